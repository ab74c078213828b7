package outbox

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/d60-Lab/clinic-booking/internal/model"
)

// ErrMalformedPayload 载荷无法解码或缺少必填字段
var ErrMalformedPayload = errors.New("malformed outbox payload")

var validate = validator.New()

// AppointmentPayload 预约事件载荷，effector 只消费这一结构
type AppointmentPayload struct {
	AppointmentID int64  `json:"appointmentId" validate:"required,gt=0"`
	PatientID     int64  `json:"patientId" validate:"required,gt=0"`
	DoctorID      int64  `json:"doctorId" validate:"required,gt=0"`
	RoomID        int64  `json:"roomId" validate:"required,gt=0"`
	TimeSlotID    int64  `json:"timeSlotId" validate:"required,gt=0"`
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	Status        string `json:"status" validate:"required"`
}

// SnapshotAppointment 按当前字段值拷贝出载荷，后续对 a 的修改不会影响已入队事件
func SnapshotAppointment(a *model.Appointment) AppointmentPayload {
	return AppointmentPayload{
		AppointmentID: a.ID,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		RoomID:        a.RoomID,
		TimeSlotID:    a.TimeSlotID,
		Date:          a.Date,
		Status:        string(a.Status),
	}
}

// DecodePayload 解码并校验载荷
func DecodePayload(raw []byte) (*AppointmentPayload, error) {
	var p AppointmentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &p, nil
}
