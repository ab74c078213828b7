package model

import (
    "time"

    "gorm.io/datatypes"
)

// EventStatus 出站事件状态
type EventStatus string

const (
    EventPending   EventStatus = "PENDING"
    EventProcessed EventStatus = "PROCESSED"
    EventFailed    EventStatus = "FAILED"
)

// Terminal PROCESSED 与 FAILED 不会再被认领
func (s EventStatus) Terminal() bool { return s == EventProcessed || s == EventFailed }

// 事件类型（决定由哪个 effector 处理）
const (
    EventDoctorCalendarUpdate  = "DOCTOR_CALENDAR_UPDATE"
    EventRoomReservation       = "ROOM_RESERVATION"
    EventSendConfirmationEmail = "SEND_CONFIRMATION_EMAIL"
    EventSendEmail             = "SEND_EMAIL" // SEND_CONFIRMATION_EMAIL 的别名
)

const AggregateAppointment = "APPOINTMENT"

// OutboxEvent 事务发件箱事件
// ux_outbox_live = (aggregate_id, event_type, status)：同一聚合同一效果同一状态至多一行
type OutboxEvent struct {
    ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
    AggregateID   int64          `json:"aggregate_id" gorm:"not null;uniqueIndex:ux_outbox_live,priority:1;index:idx_outbox_aggregate"`
    AggregateType string         `json:"aggregate_type" gorm:"type:varchar(32);not null"`
    EventType     string         `json:"event_type" gorm:"type:varchar(64);not null;uniqueIndex:ux_outbox_live,priority:2"`
    Payload       datatypes.JSON `json:"payload" gorm:"not null"`
    Status        EventStatus    `json:"status" gorm:"type:varchar(16);not null;uniqueIndex:ux_outbox_live,priority:3;index:idx_outbox_due,priority:1"`
    RetryCount    int            `json:"retry_count" gorm:"not null;default:0"`
    NextRetryAt   *time.Time     `json:"next_retry_at,omitempty" gorm:"index:idx_outbox_due,priority:2"`
    LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
    CreatedAt     time.Time      `json:"created_at" gorm:"not null;index"`
    UpdatedAt     time.Time      `json:"updated_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Due 是否到期可认领
func (e *OutboxEvent) Due(now time.Time) bool {
    if e.Status != EventPending {
        return false
    }
    return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}
