package model

import "time"

// Admin 管理员账号
type Admin struct {
    ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
    Username     string    `json:"username" gorm:"type:varchar(64);uniqueIndex;not null"`
    PasswordHash string    `json:"-" gorm:"type:varchar(100);not null"`
    Role         string    `json:"role" gorm:"type:varchar(16);not null;default:admin"`
    CreatedAt    time.Time `json:"created_at"`
}

func (Admin) TableName() string { return "admins" }
