package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
)

// ConfirmationNotifier 预约确认后的通知出口
type ConfirmationNotifier interface {
	AppointmentConfirmed(ctx context.Context, appointmentID int64)
}

// Rollup 根据聚合下全部事件的状态决定预约是否确认；取消由 Cancel 触发。
// 两者都只从 BOOKED 迁移，因此互斥且可重复调用。
type Rollup struct {
	db       *gorm.DB
	events   repository.OutboxRepository
	appts    repository.AppointmentRepository
	audit    repository.ActivityLogRepository
	notifier ConfirmationNotifier
}

func NewRollup(db *gorm.DB, notifier ConfirmationNotifier) *Rollup {
	return &Rollup{
		db:       db,
		events:   repository.NewOutboxRepository(db),
		appts:    repository.NewAppointmentRepository(db),
		audit:    repository.NewActivityLogRepository(db),
		notifier: notifier,
	}
}

// Evaluate 当聚合的事件集合非空且全部 PROCESSED 时确认预约，返回本次是否发生了迁移
func (r *Rollup) Evaluate(ctx context.Context, aggregateID int64) (bool, error) {
	events, err := r.events.FindByAggregateID(ctx, aggregateID)
	if err != nil {
		return false, fmt.Errorf("load events of aggregate %d: %w", aggregateID, err)
	}
	if len(events) == 0 {
		return false, nil
	}
	for _, ev := range events {
		if ev.Status != model.EventProcessed {
			return false, nil
		}
	}

	var changed bool
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = r.transition(ctx, tx, aggregateID, model.AppointmentConfirmed)
		return err
	})
	if err != nil {
		return false, err
	}
	if changed {
		logger.Info("appointment confirmed", zap.Int64("appointment_id", aggregateID))
		if r.notifier != nil {
			r.notifier.AppointmentConfirmed(ctx, aggregateID)
		}
	}
	return changed, nil
}

// Cancel 在调用方事务内把预约置为 CANCELLED
func (r *Rollup) Cancel(ctx context.Context, tx *gorm.DB, aggregateID int64) (bool, error) {
	changed, err := r.transition(ctx, tx, aggregateID, model.AppointmentCancelled)
	if err != nil {
		return false, err
	}
	if changed {
		logger.Warn("appointment cancelled after outbox failure", zap.Int64("appointment_id", aggregateID))
	}
	return changed, nil
}

func (r *Rollup) transition(ctx context.Context, tx *gorm.DB, aggregateID int64, to model.AppointmentStatus) (bool, error) {
	changed, err := r.appts.WithTx(tx).TransitionStatus(ctx, aggregateID, model.AppointmentBooked, to)
	if err != nil {
		return false, fmt.Errorf("update appointment %d to %s: %w", aggregateID, to, err)
	}
	if !changed {
		return false, nil
	}
	desc := fmt.Sprintf("Appointment %d status updated from %s to %s", aggregateID, model.AppointmentBooked, to)
	if err := r.audit.WithTx(tx).Record(ctx, model.ActionAppointmentStatusUpdated, desc); err != nil {
		return false, err
	}
	return true, nil
}
