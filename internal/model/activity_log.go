package model

import "time"

// ActivityLog 审计日志
type ActivityLog struct {
    ID          int64     `json:"id" gorm:"primaryKey;autoIncrement"`
    UserID      int64     `json:"user_id" gorm:"not null;default:0"`
    Action      string    `json:"action" gorm:"type:varchar(64);not null;index"`
    Description string    `json:"description" gorm:"type:text"`
    CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

func (ActivityLog) TableName() string { return "activity_logs" }

// 审计动作
const (
    ActionOutboxEventProcessed     = "OUTBOX_EVENT_PROCESSED"
    ActionOutboxEventRetry         = "OUTBOX_EVENT_RETRY"
    ActionOutboxEventFailed        = "OUTBOX_EVENT_FAILED"
    ActionAppointmentStatusUpdated = "APPOINTMENT_STATUS_UPDATED"
    ActionDoctorSelected           = "DOCTOR_SELECTED"
    ActionRoomSelected             = "ROOM_SELECTED"
)
