package model

import (
	"time"
)

// AppointmentStatus 预约状态：BOOKED -> CONFIRMED | CANCELLED
type AppointmentStatus string

const (
	AppointmentBooked    AppointmentStatus = "BOOKED"
	AppointmentConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

// Appointment 预约（出站事件的聚合根）。同一医生或诊室在同一日期时段只能有一条未取消的预约
type Appointment struct {
	ID         int64             `json:"id" gorm:"primaryKey;autoIncrement"`
	PatientID  int64             `json:"patient_id" gorm:"not null;index"`
	DoctorID   int64             `json:"doctor_id" gorm:"not null;uniqueIndex:ux_appt_doctor_live,priority:1,where:status <> 'CANCELLED'"`
	RoomID     int64             `json:"room_id" gorm:"not null;uniqueIndex:ux_appt_room_live,priority:1,where:status <> 'CANCELLED'"`
	TimeSlotID int64             `json:"time_slot_id" gorm:"not null;uniqueIndex:ux_appt_doctor_live,priority:3;uniqueIndex:ux_appt_room_live,priority:3"`
	Date       string            `json:"date" gorm:"type:varchar(10);not null;uniqueIndex:ux_appt_doctor_live,priority:2;uniqueIndex:ux_appt_room_live,priority:2"` // YYYY-MM-DD
	Status     AppointmentStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName 指定表名
func (Appointment) TableName() string {
	return "appointments"
}
