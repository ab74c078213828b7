// Package testutil 测试辅助：内存 sqlite 与种子数据
package testutil

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/pkg/database"
)

// NewDB 打开一个已迁移的内存库；单连接，事务内的读写必须经由 tx 句柄
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// Clinic 种子数据
type Clinic struct {
	Doctors []model.Doctor
	Rooms   []model.Room
	Slots   []model.TimeSlot
}

// SeedClinic 写入两名同专科医生、两间诊室和两个时间段
func SeedClinic(t testing.TB, db *gorm.DB) Clinic {
	t.Helper()
	c := Clinic{
		Doctors: []model.Doctor{
			{Name: "Dr. Ana Souza", SpecialtyID: 1},
			{Name: "Dr. Bruno Lima", SpecialtyID: 1},
			{Name: "Dr. Carla Dias", SpecialtyID: 2},
		},
		Rooms: []model.Room{{Name: "Room 101"}, {Name: "Room 102"}},
		Slots: []model.TimeSlot{
			{StartTime: "09:00", EndTime: "09:30"},
			{StartTime: "09:30", EndTime: "10:00"},
		},
	}
	for _, v := range []interface{}{&c.Doctors, &c.Rooms, &c.Slots} {
		if err := db.Create(v).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return c
}

// SeedAppointment 直接写入一条预约
func SeedAppointment(t testing.TB, db *gorm.DB, status model.AppointmentStatus) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		PatientID:  7,
		DoctorID:   1,
		RoomID:     1,
		TimeSlotID: 1,
		Date:       "2030-05-20",
		Status:     status,
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	return a
}
