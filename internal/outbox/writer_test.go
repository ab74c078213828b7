package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
)

func TestWriter_RequiresTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.writer.CreateEvent(context.Background(), nil, 1, model.AggregateAppointment, model.EventRoomReservation, map[string]int{"a": 1})
	assert.ErrorIs(t, err, ErrNoTransaction)
}

func TestWriter_RollbackDiscardsAggregateAndEvents(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	boom := errors.New("slot taken")

	err := h.db.Transaction(func(tx *gorm.DB) error {
		a := &model.Appointment{ID: 42, PatientID: 1, DoctorID: 1, RoomID: 1, TimeSlotID: 1, Date: "2030-05-20", Status: model.AppointmentBooked}
		if err := h.appts.WithTx(tx).Create(ctx, a); err != nil {
			return err
		}
		if _, err := h.writer.CreateEvent(ctx, tx, a.ID, model.AggregateAppointment, model.EventRoomReservation, SnapshotAppointment(a)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := h.events.FindByAggregateID(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, events)
	_, err = h.appts.GetByID(ctx, 42)
	assert.Error(t, err)
}

func TestWriter_PayloadIsSnapshot(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.book(t, 77, model.EventRoomReservation)

	// 之后对聚合的修改不影响已入队事件
	a.Status = model.AppointmentCancelled
	a.RoomID = 99

	ev := h.eventsOf(t, 77)[model.EventRoomReservation]
	assert.Equal(t, model.EventPending, ev.Status)
	assert.Equal(t, 0, ev.RetryCount)
	require.NotNil(t, ev.NextRetryAt)
	assert.True(t, ev.NextRetryAt.Equal(t0))

	var p AppointmentPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, AppointmentPayload{
		AppointmentID: 77, PatientID: 7, DoctorID: 1, RoomID: 1, TimeSlotID: 77,
		Date: "2030-05-20", Status: "BOOKED",
	}, p)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.Payload, &raw))
	for _, k := range []string{"appointmentId", "patientId", "doctorId", "roomId", "timeSlotId", "date", "status"} {
		assert.Contains(t, raw, k)
	}
}

func TestWriter_DuplicateLiveEventAbortsTransaction(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.book(t, 88, model.EventRoomReservation)

	err := h.db.Transaction(func(tx *gorm.DB) error {
		_, err := h.writer.CreateEvent(ctx, tx, a.ID, model.AggregateAppointment, model.EventRoomReservation, SnapshotAppointment(a))
		return err
	})
	assert.Error(t, err)
	assert.Len(t, h.eventsOf(t, 88), 1)
}
