package outbox

import (
	"fmt"
	"time"
)

// MaxRetries 失败次数达到该值后事件进入 FAILED
const MaxRetries = 5

// Backoff 第 attempt 次重试（从 1 开始）前的等待：2^(attempt-1) 分钟
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(1<<uint(attempt-1)) * time.Minute
}

// MalformedPolicy 载荷无法解码时的处理策略
type MalformedPolicy string

const (
	// MalformedRetry 与瞬时失败一样消耗重试预算并退避
	MalformedRetry MalformedPolicy = "retry"
	// MalformedFailFast 首次解码失败即进入 FAILED
	MalformedFailFast MalformedPolicy = "fail_fast"
)

func ParseMalformedPolicy(s string) (MalformedPolicy, error) {
	switch MalformedPolicy(s) {
	case "", MalformedRetry:
		return MalformedRetry, nil
	case MalformedFailFast:
		return MalformedFailFast, nil
	}
	return "", fmt.Errorf("unknown malformed payload policy %q", s)
}

// nextRetryCount 本次失败后的 retry_count
func (p MalformedPolicy) nextRetryCount(current int, malformed bool) int {
	if malformed && p == MalformedFailFast {
		return MaxRetries
	}
	n := current + 1
	if n > MaxRetries {
		n = MaxRetries
	}
	return n
}
