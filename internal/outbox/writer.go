package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/pkg/clock"
)

// ErrNoTransaction CreateEvent 必须在业务写入所在的事务中调用
var ErrNoTransaction = errors.New("outbox: create event requires an enclosing transaction")

// Writer 与业务写入同事务地创建 PENDING 事件
type Writer struct {
	events repository.OutboxRepository
	clock  clock.Clock
}

func NewWriter(events repository.OutboxRepository, clk clock.Clock) *Writer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Writer{events: events, clock: clk}
}

// CreateEvent 在 tx 中写入一条事件。payload 在调用时序列化（深拷贝）；
// 任何错误都原样返回，由调用方回滚整个事务，这里不做重试。
func (w *Writer) CreateEvent(ctx context.Context, tx *gorm.DB, aggregateID int64, aggregateType, eventType string, payload interface{}) (*model.OutboxEvent, error) {
	if tx == nil {
		return nil, ErrNoTransaction
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := w.clock.Now()
	ev := &model.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       datatypes.JSON(raw),
		Status:        model.EventPending,
		RetryCount:    0,
		NextRetryAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := w.events.WithTx(tx).Create(ctx, ev); err != nil {
		return nil, fmt.Errorf("create outbox event %s for aggregate %d: %w", eventType, aggregateID, err)
	}
	return ev, nil
}
