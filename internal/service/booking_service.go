package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/outbox"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
)

var (
	ErrInvalidTimeSlot    = errors.New("time slot must look like HH:MM-HH:MM")
	ErrTimeSlotNotFound   = errors.New("time slot not found")
	ErrNoDoctorAvailable  = errors.New("no doctor available for the specialty at this time")
	ErrNoRoomAvailable    = errors.New("no room available at this time")
	ErrAppointmentMissing = errors.New("appointment not found")
)

var timeSlotPattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d-([01]\d|2[0-3]):[0-5]\d$`)

// BookingEvents 每个新预约产生的出站事件
var BookingEvents = []string{
	model.EventDoctorCalendarUpdate,
	model.EventRoomReservation,
	model.EventSendConfirmationEmail,
}

// CreateAppointmentInput 预约请求
type CreateAppointmentInput struct {
	PatientID   int64
	SpecialtyID int64
	Date        string // YYYY-MM-DD
	TimeSlot    string // HH:MM-HH:MM
}

// AppointmentResult 预约结果
type AppointmentResult struct {
	AppointmentID int64  `json:"appointment_id"`
	DoctorName    string `json:"doctor_name"`
	RoomName      string `json:"room_name"`
	Date          string `json:"date"`
	TimeSlot      string `json:"time_slot"`
}

// BookingService 预约服务
type BookingService interface {
	CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*AppointmentResult, error)
	GetAppointment(ctx context.Context, id int64) (*model.Appointment, error)
	ListEvents(ctx context.Context, appointmentID int64) ([]*model.OutboxEvent, error)
}

type bookingService struct {
	db     *gorm.DB
	appts  repository.AppointmentRepository
	events repository.OutboxRepository
	audit  repository.ActivityLogRepository
	writer *outbox.Writer
}

func NewBookingService(db *gorm.DB, writer *outbox.Writer) BookingService {
	return &bookingService{
		db:     db,
		appts:  repository.NewAppointmentRepository(db),
		events: repository.NewOutboxRepository(db),
		audit:  repository.NewActivityLogRepository(db),
		writer: writer,
	}
}

// ParseTimeSlot 拆分 HH:MM-HH:MM
func ParseTimeSlot(s string) (start, end string, err error) {
	if !timeSlotPattern.MatchString(s) {
		return "", "", ErrInvalidTimeSlot
	}
	start, end = s[:5], s[6:]
	if start >= end {
		return "", "", ErrInvalidTimeSlot
	}
	return start, end, nil
}

// CreateAppointment 在一个事务内选医生、选诊室、写预约与全部出站事件
func (s *bookingService) CreateAppointment(ctx context.Context, in CreateAppointmentInput) (*AppointmentResult, error) {
	start, end, err := ParseTimeSlot(in.TimeSlot)
	if err != nil {
		return nil, err
	}

	var res *AppointmentResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		appts := s.appts.WithTx(tx)
		audit := s.audit.WithTx(tx)

		slot, err := appts.FindTimeSlot(ctx, start, end)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTimeSlotNotFound
		}
		if err != nil {
			return err
		}

		doctor, err := appts.FindAvailableDoctor(ctx, in.SpecialtyID, in.Date, slot.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoDoctorAvailable
		}
		if err != nil {
			return err
		}
		if err := audit.Record(ctx, model.ActionDoctorSelected, fmt.Sprintf(
			"Doctor %d (%s) selected for patient %d on %s %s", doctor.ID, doctor.Name, in.PatientID, in.Date, slot.Label())); err != nil {
			return err
		}

		room, err := appts.FindAvailableRoom(ctx, in.Date, slot.ID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoRoomAvailable
		}
		if err != nil {
			return err
		}
		if err := audit.Record(ctx, model.ActionRoomSelected, fmt.Sprintf(
			"Room %d (%s) selected for patient %d on %s %s", room.ID, room.Name, in.PatientID, in.Date, slot.Label())); err != nil {
			return err
		}

		a := &model.Appointment{
			PatientID:  in.PatientID,
			DoctorID:   doctor.ID,
			RoomID:     room.ID,
			TimeSlotID: slot.ID,
			Date:       in.Date,
			Status:     model.AppointmentBooked,
		}
		if err := appts.Create(ctx, a); err != nil {
			return slotConflict(err)
		}

		payload := outbox.SnapshotAppointment(a)
		for _, typ := range BookingEvents {
			if _, err := s.writer.CreateEvent(ctx, tx, a.ID, model.AggregateAppointment, typ, payload); err != nil {
				return err
			}
		}

		res = &AppointmentResult{
			AppointmentID: a.ID,
			DoctorName:    doctor.Name,
			RoomName:      room.Name,
			Date:          a.Date,
			TimeSlot:      slot.Label(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("appointment booked",
		zap.Int64("appointment_id", res.AppointmentID),
		zap.Int64("patient_id", in.PatientID),
		zap.String("date", res.Date),
		zap.String("time_slot", res.TimeSlot))
	return res, nil
}

// slotConflict 并发预约在唯一索引上冲突时，按被占用的资源映射为 409 语义的错误
func slotConflict(err error) error {
	switch {
	case errors.Is(err, repository.ErrDoctorSlotTaken):
		return fmt.Errorf("%w: %v", ErrNoDoctorAvailable, err)
	case errors.Is(err, repository.ErrRoomSlotTaken):
		return fmt.Errorf("%w: %v", ErrNoRoomAvailable, err)
	}
	return err
}

func (s *bookingService) GetAppointment(ctx context.Context, id int64) (*model.Appointment, error) {
	a, err := s.appts.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAppointmentMissing
	}
	return a, err
}

func (s *bookingService) ListEvents(ctx context.Context, appointmentID int64) ([]*model.OutboxEvent, error) {
	if _, err := s.GetAppointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	return s.events.FindByAggregateID(ctx, appointmentID)
}
