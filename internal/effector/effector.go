// Package effector 把出站事件投递到合作方系统（日历、诊室、邮件）
package effector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/d60-Lab/clinic-booking/config"
	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/outbox"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
)

// ErrUnavailable 熔断器打开或半开期间拒绝调用
var ErrUnavailable = errors.New("partner unavailable")

// StatusError 合作方返回非 2xx
type StatusError struct {
	Effector string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: partner responded %d: %s", e.Effector, e.Code, e.Body)
}

// HTTPEffector 以 JSON POST 载荷到 baseURL+path，任何 2xx 视为成功
type HTTPEffector struct {
	name    string
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPEffector(name, baseURL, path string, client *http.Client, cfg config.EffectorsConfig) *HTTPEffector {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	settings := gobreaker.Settings{
		Name:        "effector-" + name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("effector circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &HTTPEffector{
		name:    name,
		url:     strings.TrimRight(baseURL, "/") + path,
		client:  client,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (e *HTTPEffector) Name() string { return e.name }

// State 熔断器当前状态
func (e *HTTPEffector) State() gobreaker.State { return e.breaker.State() }

func (e *HTTPEffector) Execute(ctx context.Context, p *outbox.AppointmentPayload) error {
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, e.post(ctx, p)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %v", e.name, ErrUnavailable, err)
	}
	return err
}

func (e *HTTPEffector) post(ctx context.Context, p *outbox.AppointmentPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	logger.Debug("effector call",
		zap.String("effector", e.name),
		zap.Int64("appointment_id", p.AppointmentID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Effector: e.name, Code: resp.StatusCode, Body: cleanBody(snippet)}
	}
	return nil
}

// cleanBody 截断读取的响应体可能切开多字节字符，且可能含 NUL；last_error 列只接受合法 UTF-8
func cleanBody(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// Routes 事件类型到合作方路径
var Routes = []struct {
	EventType string
	Name      string
	Path      string
}{
	{model.EventDoctorCalendarUpdate, "doctor-calendar", "/doctor-calendar"},
	{model.EventRoomReservation, "room-reservation", "/room-reservation"},
	{model.EventSendConfirmationEmail, "email-notification", "/email-notification"},
}

// RegisterHTTP 为每种事件类型注册 HTTP effector，并把 SEND_EMAIL 指向确认邮件
func RegisterHTTP(reg *outbox.Registry, cfg config.EffectorsConfig, client *http.Client) error {
	for _, r := range Routes {
		reg.Register(r.EventType, NewHTTPEffector(r.Name, cfg.BaseURL, r.Path, client, cfg))
	}
	return reg.Alias(model.EventSendEmail, model.EventSendConfirmationEmail)
}
