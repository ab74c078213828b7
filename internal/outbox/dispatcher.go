package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/pkg/clock"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
)

// Outcome 单个事件一次投递的结果
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAborted 状态落库失败，事务回滚，事件保持原样等待下次认领
	OutcomeAborted Outcome = "aborted"
)

// ErrUnknownEventType 分发表中没有对应的 effector
var ErrUnknownEventType = errors.New("unknown outbox event type")

// TickResult 一次轮询的统计
type TickResult struct {
	Claimed   int
	Processed int
	Retried   int
	Failed    int
	Aborted   int
}

type Options struct {
	PollInterval    time.Duration
	BatchSize       int
	Workers         int
	MalformedPolicy MalformedPolicy
}

// Dispatcher 定时认领到期事件、调用 effector 并推进重试状态机
type Dispatcher struct {
	db       *gorm.DB
	events   repository.OutboxRepository
	audit    repository.ActivityLogRepository
	registry *Registry
	rollup   *Rollup
	clock    clock.Clock
	metrics  *Metrics
	tracer   trace.Tracer

	pollInterval time.Duration
	batchSize    int
	workers      int
	malformed    MalformedPolicy

	latencyCh chan time.Duration // created -> processed
}

func NewDispatcher(db *gorm.DB, registry *Registry, rollup *Rollup, clk clock.Clock, metrics *Metrics, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MalformedPolicy == "" {
		opts.MalformedPolicy = MalformedRetry
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Dispatcher{
		db:           db,
		events:       repository.NewOutboxRepository(db),
		audit:        repository.NewActivityLogRepository(db),
		registry:     registry,
		rollup:       rollup,
		clock:        clk,
		metrics:      metrics,
		tracer:       otel.Tracer("github.com/d60-Lab/clinic-booking/internal/outbox"),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		workers:      opts.Workers,
		malformed:    opts.MalformedPolicy,
		latencyCh:    make(chan time.Duration, 65536),
	}
}

// Latencies 已处理事件从创建到 PROCESSED 的耗时
func (d *Dispatcher) Latencies() <-chan time.Duration { return d.latencyCh }

// Start 启动若干 worker 定时轮询；返回停止函数，等待进行中的 tick 结束或 ctx 到期
func (d *Dispatcher) Start() func(context.Context) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.loop(id, stop)
		}(i)
	}
	logger.Info("outbox dispatcher started",
		zap.Int("workers", d.workers),
		zap.Duration("poll_interval", d.pollInterval),
		zap.Int("batch_size", d.batchSize))

	return func(ctx context.Context) error {
		close(stop)
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) loop(worker int, stop <-chan struct{}) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			res, err := d.DispatchOnce(context.Background())
			if err != nil {
				logger.Error("outbox tick failed", zap.Int("worker", worker), zap.Error(err))
				continue
			}
			if res.Claimed > 0 {
				logger.Info("outbox tick",
					zap.Int("worker", worker),
					zap.Int("claimed", res.Claimed),
					zap.Int("processed", res.Processed),
					zap.Int("retried", res.Retried),
					zap.Int("failed", res.Failed))
			}
		}
	}
}

// DispatchOnce 处理至多 batchSize 个到期事件。每个事件在独立事务中认领并落库，
// 单个事件的失败不影响同一 tick 内的其他事件；仅认领本身出错时提前返回。
func (d *Dispatcher) DispatchOnce(ctx context.Context) (TickResult, error) {
	var res TickResult
	d.metrics.observeTick()
	now := d.clock.Now()
	seen := make([]string, 0, d.batchSize)

	for len(seen) < d.batchSize {
		ev, outcome, err := d.processNext(ctx, now, seen)
		if errors.Is(err, repository.ErrNoDueEvent) {
			break
		}
		if ev == nil {
			return res, fmt.Errorf("claim outbox event: %w", err)
		}
		seen = append(seen, ev.ID)
		res.Claimed++
		d.metrics.observeOutcome(ev.EventType, outcome)

		switch outcome {
		case OutcomeProcessed:
			res.Processed++
			select {
			case d.latencyCh <- d.clock.Now().Sub(ev.CreatedAt):
			default:
			}
			if _, err := d.rollup.Evaluate(ctx, ev.AggregateID); err != nil {
				logger.Error("aggregate rollup failed", zap.Int64("aggregate_id", ev.AggregateID), zap.Error(err))
			}
		case OutcomeRetry:
			res.Retried++
		case OutcomeFailed:
			res.Failed++
		case OutcomeAborted:
			res.Aborted++
			logger.Error("outbox event state not persisted",
				zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType), zap.Error(err))
		}
	}

	d.refreshBacklog(ctx)
	return res, nil
}

// processNext 认领一条事件并在同一事务内投递、落库、写审计
func (d *Dispatcher) processNext(ctx context.Context, now time.Time, exclude []string) (*model.OutboxEvent, Outcome, error) {
	var (
		ev      *model.OutboxEvent
		outcome Outcome
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := d.events.WithTx(tx).ClaimNextDue(ctx, now, exclude)
		if err != nil {
			return err
		}
		ev = claimed

		spanCtx, span := d.tracer.Start(ctx, "outbox.dispatch", trace.WithAttributes(
			attribute.String("outbox.event_id", ev.ID),
			attribute.String("outbox.event_type", ev.EventType),
			attribute.Int64("outbox.aggregate_id", ev.AggregateID),
			attribute.Int("outbox.retry_count", ev.RetryCount),
		))
		defer span.End()

		malformed, attemptErr := d.attempt(spanCtx, ev)
		if attemptErr == nil {
			outcome = OutcomeProcessed
			return d.markProcessed(spanCtx, tx, ev)
		}
		span.RecordError(attemptErr)
		span.SetStatus(codes.Error, attemptErr.Error())
		outcome, err = d.markFailedAttempt(spanCtx, tx, ev, attemptErr, malformed)
		return err
	})
	if err != nil {
		if ev == nil {
			return nil, "", err
		}
		return ev, OutcomeAborted, err
	}
	return ev, outcome, nil
}

// attempt 解码载荷并调用 effector；effector 的 panic 计为失败
func (d *Dispatcher) attempt(ctx context.Context, ev *model.OutboxEvent) (malformed bool, err error) {
	payload, err := DecodePayload(ev.Payload)
	if err != nil {
		logger.Error("invalid outbox payload", zap.String("event_id", ev.ID), zap.Error(err))
		return true, err
	}
	eff, ok := d.registry.Lookup(ev.EventType)
	if !ok {
		logger.Warn("unknown outbox event type", zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType))
		return false, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.EventType)
	}

	start := time.Now()
	defer func() {
		d.metrics.observeEffector(ev.EventType, time.Since(start))
		if r := recover(); r != nil {
			logger.Error("effector panicked", zap.String("event_id", ev.ID), zap.Any("panic", r))
			err = fmt.Errorf("effector %s panicked: %v", ev.EventType, r)
			malformed = false
		}
	}()
	if err := eff.Execute(ctx, payload); err != nil {
		logger.Warn("effector failed", zap.String("event_id", ev.ID), zap.String("event_type", ev.EventType), zap.Error(err))
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) markProcessed(ctx context.Context, tx *gorm.DB, ev *model.OutboxEvent) error {
	ev.Status = model.EventProcessed
	ev.LastError = ""
	if err := d.events.WithTx(tx).Update(ctx, ev); err != nil {
		return err
	}
	desc := fmt.Sprintf("Outbox event %s of type %s successfully processed for aggregate %d",
		ev.ID, ev.EventType, ev.AggregateID)
	return d.audit.WithTx(tx).Record(ctx, model.ActionOutboxEventProcessed, desc)
}

func (d *Dispatcher) markFailedAttempt(ctx context.Context, tx *gorm.DB, ev *model.OutboxEvent, cause error, malformed bool) (Outcome, error) {
	ev.RetryCount = d.malformed.nextRetryCount(ev.RetryCount, malformed)
	ev.LastError = truncate(cause.Error(), 1024)

	if ev.RetryCount >= MaxRetries {
		ev.Status = model.EventFailed
		if err := d.events.WithTx(tx).Update(ctx, ev); err != nil {
			return "", err
		}
		desc := fmt.Sprintf("Outbox event %s of type %s failed after %d retries for aggregate %d",
			ev.ID, ev.EventType, ev.RetryCount, ev.AggregateID)
		if err := d.audit.WithTx(tx).Record(ctx, model.ActionOutboxEventFailed, desc); err != nil {
			return "", err
		}
		if _, err := d.rollup.Cancel(ctx, tx, ev.AggregateID); err != nil {
			return "", err
		}
		return OutcomeFailed, nil
	}

	delay := Backoff(ev.RetryCount)
	next := d.clock.Now().Add(delay)
	ev.NextRetryAt = &next
	if err := d.events.WithTx(tx).Update(ctx, ev); err != nil {
		return "", err
	}
	desc := fmt.Sprintf("Outbox event %s of type %s scheduled for retry %d in %d minutes for aggregate %d",
		ev.ID, ev.EventType, ev.RetryCount, int(delay/time.Minute), ev.AggregateID)
	if err := d.audit.WithTx(tx).Record(ctx, model.ActionOutboxEventRetry, desc); err != nil {
		return "", err
	}
	return OutcomeRetry, nil
}

func (d *Dispatcher) refreshBacklog(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	counts, err := d.events.CountByStatus(ctx)
	if err != nil {
		logger.Warn("count outbox backlog", zap.Error(err))
		return
	}
	now := d.clock.Now()
	oldest, err := d.events.OldestDueCreatedAt(ctx, now)
	if err != nil {
		logger.Warn("oldest due outbox event", zap.Error(err))
		return
	}
	d.metrics.observeBacklog(counts, oldest, now)
}

// truncate 清理为合法 UTF-8 并去掉 NUL，再按字符边界截到至多 n 字节
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
