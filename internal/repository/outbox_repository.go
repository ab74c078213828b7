package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/clinic-booking/internal/model"
)

// OutboxRepository 出站事件存储（纯数据访问）
type OutboxRepository interface {
	// WithTx 返回绑定到事务 tx 的仓储
	WithTx(tx *gorm.DB) OutboxRepository
	Create(ctx context.Context, ev *model.OutboxEvent) error
	// ClaimNextDue 在当前事务内以 FOR UPDATE SKIP LOCKED 认领一条到期事件（按 created_at 先进先出），
	// 已被其他认领者锁住的行直接跳过；exclude 中的 id 不参与认领。
	ClaimNextDue(ctx context.Context, now time.Time, exclude []string) (*model.OutboxEvent, error)
	// Update 持久化状态迁移；仅对仍为 PENDING 的行生效
	Update(ctx context.Context, ev *model.OutboxEvent) error
	GetByID(ctx context.Context, id string) (*model.OutboxEvent, error)
	FindByAggregateID(ctx context.Context, aggregateID int64) ([]*model.OutboxEvent, error)
	CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error)
	// OldestDueCreatedAt 最早一条到期事件的创建时间，无则返回 nil
	OldestDueCreatedAt(ctx context.Context, now time.Time) (*time.Time, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) WithTx(tx *gorm.DB) OutboxRepository { return &outboxRepository{db: tx} }

func (r *outboxRepository) Create(ctx context.Context, ev *model.OutboxEvent) error {
	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (r *outboxRepository) ClaimNextDue(ctx context.Context, now time.Time, exclude []string) (*model.OutboxEvent, error) {
	q := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ?", model.EventPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}

	var ev model.OutboxEvent
	err := q.Order("created_at ASC").Order("id ASC").Limit(1).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoDueEvent
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *outboxRepository) Update(ctx context.Context, ev *model.OutboxEvent) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", ev.ID, model.EventPending).
		Updates(map[string]any{
			"status":        ev.Status,
			"retry_count":   ev.RetryCount,
			"next_retry_at": ev.NextRetryAt,
			"last_error":    ev.LastError,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrEventNotPending
	}
	return nil
}

func (r *outboxRepository) GetByID(ctx context.Context, id string) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *outboxRepository) FindByAggregateID(ctx context.Context, aggregateID int64) ([]*model.OutboxEvent, error) {
	var res []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("aggregate_id = ?", aggregateID).
		Order("created_at ASC").
		Find(&res).Error
	return res, err
}

func (r *outboxRepository) CountByStatus(ctx context.Context) (map[model.EventStatus]int64, error) {
	type row struct {
		Status model.EventStatus
		Cnt    int64
	}
	var rows []row
	if err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Select("status, COUNT(*) AS cnt").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[model.EventStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Cnt
	}
	return out, nil
}

func (r *outboxRepository) OldestDueCreatedAt(ctx context.Context, now time.Time) (*time.Time, error) {
	var ev model.OutboxEvent
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("status = ?", model.EventPending).
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Order("created_at ASC").
		Limit(1).
		Take(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev.CreatedAt, nil
}

// isUniqueViolation 兼容 postgres (23505) 与 sqlite 的唯一约束错误
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique constraint failed")
}
