package repository

import (
    "context"

    "gorm.io/gorm"
    "gorm.io/gorm/clause"

    "github.com/d60-Lab/clinic-booking/internal/model"
)

type AdminRepository interface {
    GetByUsername(ctx context.Context, username string) (*model.Admin, error)
    // EnsureExists 不存在时创建，已存在则保持原密码
    EnsureExists(ctx context.Context, a *model.Admin) error
}

type adminRepository struct{ db *gorm.DB }

func NewAdminRepository(db *gorm.DB) AdminRepository { return &adminRepository{db: db} }

func (r *adminRepository) GetByUsername(ctx context.Context, username string) (*model.Admin, error) {
    var a model.Admin
    if err := first(r.db.WithContext(ctx).Where("username = ?", username), &a); err != nil {
        return nil, err
    }
    return &a, nil
}

func (r *adminRepository) EnsureExists(ctx context.Context, a *model.Admin) error {
    return r.db.WithContext(ctx).
        Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "username"}}, DoNothing: true}).
        Create(a).Error
}
