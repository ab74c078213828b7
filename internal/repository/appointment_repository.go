package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
)

// AppointmentRepository 预约仓储接口
type AppointmentRepository interface {
	// WithTx 返回绑定到事务 tx 的仓储
	WithTx(tx *gorm.DB) AppointmentRepository

	// Create 创建预约；医生或诊室在该日期时段已被占用时返回 ErrDoctorSlotTaken / ErrRoomSlotTaken
	Create(ctx context.Context, a *model.Appointment) error

	// GetByID 根据ID查询预约
	GetByID(ctx context.Context, id int64) (*model.Appointment, error)

	// TransitionStatus 仅当当前状态为 from 时更新为 to，返回是否发生了迁移
	TransitionStatus(ctx context.Context, id int64, from, to model.AppointmentStatus) (bool, error)

	// FindTimeSlot 按起止时间查找时间段
	FindTimeSlot(ctx context.Context, start, end string) (*model.TimeSlot, error)

	// FindAvailableDoctor 查找该专科在指定日期时段空闲的医生
	FindAvailableDoctor(ctx context.Context, specialtyID int64, date string, timeSlotID int64) (*model.Doctor, error)

	// FindAvailableRoom 查找指定日期时段空闲的诊室
	FindAvailableRoom(ctx context.Context, date string, timeSlotID int64) (*model.Room, error)

	// GetDoctor / GetRoom / GetTimeSlot 查询预约关联的资源
	GetDoctor(ctx context.Context, id int64) (*model.Doctor, error)
	GetRoom(ctx context.Context, id int64) (*model.Room, error)
	GetTimeSlot(ctx context.Context, id int64) (*model.TimeSlot, error)
}

type appointmentRepository struct {
	db *gorm.DB
}

// NewAppointmentRepository 创建预约仓储
func NewAppointmentRepository(db *gorm.DB) AppointmentRepository {
	return &appointmentRepository{db: db}
}

func (r *appointmentRepository) WithTx(tx *gorm.DB) AppointmentRepository {
	return &appointmentRepository{db: tx}
}

func (r *appointmentRepository) Create(ctx context.Context, a *model.Appointment) error {
	err := r.db.WithContext(ctx).Create(a).Error
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	// postgres 报索引名，sqlite 报列名
	msg := err.Error()
	if strings.Contains(msg, "ux_appt_room_live") || strings.Contains(msg, "appointments.room_id") {
		return fmt.Errorf("%w: %v", ErrRoomSlotTaken, err)
	}
	return fmt.Errorf("%w: %v", ErrDoctorSlotTaken, err)
}

func (r *appointmentRepository) GetByID(ctx context.Context, id int64) (*model.Appointment, error) {
	var a model.Appointment
	if err := first(r.db.WithContext(ctx).Where("id = ?", id), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepository) TransitionStatus(ctx context.Context, id int64, from, to model.AppointmentStatus) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Appointment{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *appointmentRepository) FindTimeSlot(ctx context.Context, start, end string) (*model.TimeSlot, error) {
	var ts model.TimeSlot
	if err := first(r.db.WithContext(ctx).Where("start_time = ? AND end_time = ?", start, end), &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

func (r *appointmentRepository) FindAvailableDoctor(ctx context.Context, specialtyID int64, date string, timeSlotID int64) (*model.Doctor, error) {
	busy := r.db.Model(&model.Appointment{}).
		Select("doctor_id").
		Where("date = ? AND time_slot_id = ? AND status <> ?", date, timeSlotID, model.AppointmentCancelled)

	var d model.Doctor
	q := r.db.WithContext(ctx).
		Where("specialty_id = ?", specialtyID).
		Where("id NOT IN (?)", busy).
		Order("id ASC")
	if err := first(q, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *appointmentRepository) FindAvailableRoom(ctx context.Context, date string, timeSlotID int64) (*model.Room, error) {
	busy := r.db.Model(&model.Appointment{}).
		Select("room_id").
		Where("date = ? AND time_slot_id = ? AND status <> ?", date, timeSlotID, model.AppointmentCancelled)

	var room model.Room
	q := r.db.WithContext(ctx).Where("id NOT IN (?)", busy).Order("id ASC")
	if err := first(q, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *appointmentRepository) GetDoctor(ctx context.Context, id int64) (*model.Doctor, error) {
	var d model.Doctor
	if err := first(r.db.WithContext(ctx).Where("id = ?", id), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *appointmentRepository) GetRoom(ctx context.Context, id int64) (*model.Room, error) {
	var room model.Room
	if err := first(r.db.WithContext(ctx).Where("id = ?", id), &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *appointmentRepository) GetTimeSlot(ctx context.Context, id int64) (*model.TimeSlot, error) {
	var ts model.TimeSlot
	if err := first(r.db.WithContext(ctx).Where("id = ?", id), &ts); err != nil {
		return nil, err
	}
	return &ts, nil
}

// first 取一条记录，未命中统一返回 ErrNotFound
func first(q *gorm.DB, dest interface{}) error {
	err := q.Take(dest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
