package clock

import (
	"sync"
	"time"
)

// Clock 获取当前时间的抽象，便于测试
type Clock interface {
	Now() time.Time
}

// RealClock 返回 UTC 当前时间
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FakeClock 可控时钟（测试用）
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(t time.Time) *FakeClock { return &FakeClock{now: t} }

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance 前进 d
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
