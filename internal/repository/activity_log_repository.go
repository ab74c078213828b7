package repository

import (
    "context"
    "time"

    "gorm.io/gorm"

    "github.com/d60-Lab/clinic-booking/internal/model"
)

type ActivityLogRepository interface {
    WithTx(tx *gorm.DB) ActivityLogRepository
    Record(ctx context.Context, action, description string) error
    ListByAction(ctx context.Context, action string, limit int) ([]*model.ActivityLog, error)
    CountByAction(ctx context.Context, action string) (int64, error)
}

type activityLogRepository struct {
    db  *gorm.DB
    now func() time.Time
}

func NewActivityLogRepository(db *gorm.DB) ActivityLogRepository {
    return &activityLogRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *activityLogRepository) WithTx(tx *gorm.DB) ActivityLogRepository {
    return &activityLogRepository{db: tx, now: r.now}
}

// Record 系统动作统一记为 user_id = 0
func (r *activityLogRepository) Record(ctx context.Context, action, description string) error {
    l := &model.ActivityLog{UserID: 0, Action: action, Description: description, CreatedAt: r.now()}
    return r.db.WithContext(ctx).Create(l).Error
}

func (r *activityLogRepository) ListByAction(ctx context.Context, action string, limit int) ([]*model.ActivityLog, error) {
    var res []*model.ActivityLog
    q := r.db.WithContext(ctx).Order("id ASC")
    if action != "" {
        q = q.Where("action = ?", action)
    }
    if limit > 0 {
        q = q.Limit(limit)
    }
    err := q.Find(&res).Error
    return res, err
}

func (r *activityLogRepository) CountByAction(ctx context.Context, action string) (int64, error) {
    var n int64
    err := r.db.WithContext(ctx).Model(&model.ActivityLog{}).Where("action = ?", action).Count(&n).Error
    return n, err
}
