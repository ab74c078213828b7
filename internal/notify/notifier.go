package notify

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/clinic-booking/pkg/logger"
)

// ConfirmedMessage appointment.confirmed 消息体
type ConfirmedMessage struct {
	AppointmentID int64     `json:"appointment_id"`
	Status        string    `json:"status"`
	ConfirmedAt   time.Time `json:"confirmed_at"`
}

type job struct {
	appointmentID int64
	enqAt         time.Time
}

// AsyncNotifier 本地队列 + worker 异步发布，队列满时丢弃并记录日志
type AsyncNotifier struct {
	pub       Publisher
	ch        chan job
	metricsCh chan time.Duration
	timeout   time.Duration
}

func NewAsyncNotifier(pub Publisher, queueSize int) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AsyncNotifier{
		pub:       pub,
		ch:        make(chan job, queueSize),
		metricsCh: make(chan time.Duration, 4096),
		timeout:   5 * time.Second,
	}
}

// Start 启动 worker；返回的停止函数会在 ctx 到期前尽量排空队列
func (n *AsyncNotifier) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 1
	}
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case j := <-n.ch:
					n.publish(j)
				case <-stopCh:
					n.drain()
					return
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		close(stopCh)
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

func (n *AsyncNotifier) drain() {
	for {
		select {
		case j := <-n.ch:
			n.publish(j)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) publish(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	value, err := json.Marshal(ConfirmedMessage{
		AppointmentID: j.appointmentID,
		Status:        "CONFIRMED",
		ConfirmedAt:   j.enqAt.UTC(),
	})
	if err != nil {
		logger.Error("encode confirmation message", zap.Error(err))
		return
	}
	key := []byte(strconv.FormatInt(j.appointmentID, 10))
	if err := n.pub.Publish(ctx, key, value); err != nil {
		logger.Error("publish appointment confirmation", zap.Int64("appointment_id", j.appointmentID), zap.Error(err))
		return
	}
	select {
	case n.metricsCh <- time.Since(j.enqAt):
	default:
	}
}

// AppointmentConfirmed 非阻塞入队
func (n *AsyncNotifier) AppointmentConfirmed(_ context.Context, appointmentID int64) {
	select {
	case n.ch <- job{appointmentID: appointmentID, enqAt: time.Now()}:
	default:
		logger.Warn("notifier queue full, drop confirmation", zap.Int64("appointment_id", appointmentID))
	}
}

// Metrics 入队到发布成功的耗时
func (n *AsyncNotifier) Metrics() <-chan time.Duration { return n.metricsCh }

// QueueLen 当前队列长度（采样值）
func (n *AsyncNotifier) QueueLen() int { return len(n.ch) }
