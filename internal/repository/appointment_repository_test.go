package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/testutil"
)

func TestAppointmentRepository_TransitionStatus_OnlyFromBooked(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAppointmentRepository(db)
	ctx := context.Background()

	a := testutil.SeedAppointment(t, db, model.AppointmentBooked)

	ok, err := repo.TransitionStatus(ctx, a.ID, model.AppointmentBooked, model.AppointmentCancelled)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitionStatus(ctx, a.ID, model.AppointmentBooked, model.AppointmentConfirmed)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentCancelled, got.Status)
}

func TestAppointmentRepository_FindAvailableResources(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAppointmentRepository(db)
	ctx := context.Background()
	clinic := testutil.SeedClinic(t, db)

	slot, err := repo.FindTimeSlot(ctx, "09:00", "09:30")
	require.NoError(t, err)
	assert.Equal(t, clinic.Slots[0].ID, slot.ID)

	_, err = repo.FindTimeSlot(ctx, "11:00", "11:30")
	assert.ErrorIs(t, err, ErrNotFound)

	d, err := repo.FindAvailableDoctor(ctx, 1, "2030-05-20", slot.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.Doctors[0].ID, d.ID)

	require.NoError(t, repo.Create(ctx, &model.Appointment{
		PatientID: 1, DoctorID: clinic.Doctors[0].ID, RoomID: clinic.Rooms[0].ID,
		TimeSlotID: slot.ID, Date: "2030-05-20", Status: model.AppointmentBooked,
	}))

	d, err = repo.FindAvailableDoctor(ctx, 1, "2030-05-20", slot.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.Doctors[1].ID, d.ID)

	room, err := repo.FindAvailableRoom(ctx, "2030-05-20", slot.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.Rooms[1].ID, room.ID)

	// 其他日期不受影响
	room, err = repo.FindAvailableRoom(ctx, "2030-05-21", slot.ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.Rooms[0].ID, room.ID)

	_, err = repo.FindAvailableDoctor(ctx, 99, "2030-05-20", slot.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppointmentRepository_CancelledFreesDoctor(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAppointmentRepository(db)
	ctx := context.Background()
	clinic := testutil.SeedClinic(t, db)

	require.NoError(t, repo.Create(ctx, &model.Appointment{
		PatientID: 1, DoctorID: clinic.Doctors[0].ID, RoomID: clinic.Rooms[0].ID,
		TimeSlotID: clinic.Slots[0].ID, Date: "2030-05-20", Status: model.AppointmentCancelled,
	}))

	d, err := repo.FindAvailableDoctor(ctx, 1, "2030-05-20", clinic.Slots[0].ID)
	require.NoError(t, err)
	assert.Equal(t, clinic.Doctors[0].ID, d.ID)
}

func TestAppointmentRepository_RejectsDoubleBooking(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewAppointmentRepository(db)
	ctx := context.Background()
	clinic := testutil.SeedClinic(t, db)

	booking := func(doctor, room int64) *model.Appointment {
		return &model.Appointment{
			PatientID: 1, DoctorID: doctor, RoomID: room,
			TimeSlotID: clinic.Slots[0].ID, Date: "2030-05-20", Status: model.AppointmentBooked,
		}
	}
	first := booking(clinic.Doctors[0].ID, clinic.Rooms[0].ID)
	require.NoError(t, repo.Create(ctx, first))

	err := repo.Create(ctx, booking(clinic.Doctors[0].ID, clinic.Rooms[1].ID))
	assert.ErrorIs(t, err, ErrDoctorSlotTaken)

	err = repo.Create(ctx, booking(clinic.Doctors[1].ID, clinic.Rooms[0].ID))
	assert.ErrorIs(t, err, ErrRoomSlotTaken)

	// 其他时段、其他日期不冲突
	other := booking(clinic.Doctors[0].ID, clinic.Rooms[0].ID)
	other.TimeSlotID = clinic.Slots[1].ID
	require.NoError(t, repo.Create(ctx, other))
	other = booking(clinic.Doctors[0].ID, clinic.Rooms[0].ID)
	other.Date = "2030-05-21"
	require.NoError(t, repo.Create(ctx, other))

	// 取消后资源释放
	ok, err := repo.TransitionStatus(ctx, first.ID, model.AppointmentBooked, model.AppointmentCancelled)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.Create(ctx, booking(clinic.Doctors[0].ID, clinic.Rooms[0].ID)))
}
