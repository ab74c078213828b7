package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/d60-Lab/clinic-booking/internal/model"
	"github.com/d60-Lab/clinic-booking/internal/repository"
	"github.com/d60-Lab/clinic-booking/internal/testutil"
	"github.com/d60-Lab/clinic-booking/pkg/clock"
)

var t0 = time.Date(2030, 5, 20, 8, 0, 0, 0, time.UTC)

var allTypes = []string{
	model.EventDoctorCalendarUpdate,
	model.EventRoomReservation,
	model.EventSendConfirmationEmail,
}

type recorder struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{calls: map[string]int{}, fail: map[string]bool{}}
}

func (r *recorder) effector(eventType string) Effector {
	return EffectorFunc(func(ctx context.Context, p *AppointmentPayload) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls[eventType]++
		if r.fail[eventType] {
			return errors.New("partner returned 503")
		}
		return nil
	})
}

func (r *recorder) setFail(eventType string, fail bool) {
	r.mu.Lock()
	r.fail[eventType] = fail
	r.mu.Unlock()
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[eventType]
}

type confirmations struct {
	mu  sync.Mutex
	ids []int64
}

func (c *confirmations) AppointmentConfirmed(_ context.Context, id int64) {
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
}

func (c *confirmations) list() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.ids...)
}

type harness struct {
	db       *gorm.DB
	clk      *clock.FakeClock
	rec      *recorder
	registry *Registry
	notified *confirmations
	rollup   *Rollup
	disp     *Dispatcher
	writer   *Writer
	events   repository.OutboxRepository
	appts    repository.AppointmentRepository
	audit    repository.ActivityLogRepository
	metrics  *Metrics
	reg      *prometheus.Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:       db,
		clk:      clock.NewFake(t0),
		rec:      newRecorder(),
		registry: NewRegistry(),
		notified: &confirmations{},
		events:   repository.NewOutboxRepository(db),
		appts:    repository.NewAppointmentRepository(db),
		audit:    repository.NewActivityLogRepository(db),
		reg:      prometheus.NewRegistry(),
	}
	h.metrics = NewMetrics(h.reg)
	for _, typ := range allTypes {
		h.registry.Register(typ, h.rec.effector(typ))
	}
	require.NoError(t, h.registry.Alias(model.EventSendEmail, model.EventSendConfirmationEmail))

	h.rollup = NewRollup(db, h.notified)
	h.writer = NewWriter(h.events, h.clk)
	h.disp = NewDispatcher(db, h.registry, h.rollup, h.clk, h.metrics, opts)
	return h
}

// book 写入一条 BOOKED 预约及其事件（同一事务）；时段取 id，避免医生/诊室占用冲突
func (h *harness) book(t *testing.T, id int64, types ...string) *model.Appointment {
	t.Helper()
	a := &model.Appointment{
		ID: id, PatientID: 7, DoctorID: 1, RoomID: 1, TimeSlotID: id,
		Date: "2030-05-20", Status: model.AppointmentBooked,
	}
	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := h.appts.WithTx(tx).Create(context.Background(), a); err != nil {
			return err
		}
		for _, typ := range types {
			if _, err := h.writer.CreateEvent(context.Background(), tx, a.ID, model.AggregateAppointment, typ, SnapshotAppointment(a)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return a
}

func (h *harness) status(t *testing.T, id int64) model.AppointmentStatus {
	t.Helper()
	a, err := h.appts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func (h *harness) eventsOf(t *testing.T, id int64) map[string]*model.OutboxEvent {
	t.Helper()
	list, err := h.events.FindByAggregateID(context.Background(), id)
	require.NoError(t, err)
	out := make(map[string]*model.OutboxEvent, len(list))
	for _, ev := range list {
		out[ev.EventType] = ev
	}
	return out
}

func (h *harness) counterSum(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}

func (h *harness) auditCount(t *testing.T, action string) int64 {
	t.Helper()
	n, err := h.audit.CountByAction(context.Background(), action)
	require.NoError(t, err)
	return n
}

func TestDispatch_AllProcessedConfirmsExactlyOnce(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.book(t, 300, allTypes...)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Claimed: 3, Processed: 3}, res)

	for _, ev := range h.eventsOf(t, 300) {
		assert.Equal(t, model.EventProcessed, ev.Status)
		assert.Equal(t, 0, ev.RetryCount)
	}
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 300))
	assert.Equal(t, []int64{300}, h.notified.list())
	assert.Equal(t, int64(3), h.auditCount(t, model.ActionOutboxEventProcessed))
	assert.Equal(t, int64(1), h.auditCount(t, model.ActionAppointmentStatusUpdated))

	// 重复 rollup 为空操作
	changed, err := h.rollup.Evaluate(ctx, 300)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(1), h.auditCount(t, model.ActionAppointmentStatusUpdated))
	assert.Len(t, h.notified.list(), 1)

	// 终态事件不会被再次认领
	res, err = h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	for _, typ := range allTypes {
		assert.Equal(t, 1, h.rec.count(typ))
	}
	assert.Equal(t, float64(3), h.counterSum(t, "clinic_outbox_dispatch_total"))
}

func TestRollup_PartialSetDoesNotConfirm(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.book(t, 400, model.EventDoctorCalendarUpdate, model.EventRoomReservation)

	ev := h.eventsOf(t, 400)[model.EventDoctorCalendarUpdate]
	ev.Status = model.EventProcessed
	require.NoError(t, h.events.Update(ctx, ev))

	changed, err := h.rollup.Evaluate(ctx, 400)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.AppointmentBooked, h.status(t, 400))
	assert.Empty(t, h.notified.list())
}

func TestRollup_EmptySetDoesNotConfirm(t *testing.T) {
	h := newHarness(t, Options{})
	h.book(t, 500)

	changed, err := h.rollup.Evaluate(context.Background(), 500)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.AppointmentBooked, h.status(t, 500))
}

func TestRollup_CancelledAggregateIsNeverConfirmed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.book(t, 600, model.EventRoomReservation)

	ok, err := h.appts.TransitionStatus(ctx, 600, model.AppointmentBooked, model.AppointmentCancelled)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.disp.DispatchOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, model.EventProcessed, h.eventsOf(t, 600)[model.EventRoomReservation].Status)
	assert.Equal(t, model.AppointmentCancelled, h.status(t, 600))
	assert.Empty(t, h.notified.list())
}

func TestDispatch_BackoffScheduleUntilFailed(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rec.setFail(model.EventRoomReservation, true)
	h.book(t, 700, model.EventRoomReservation)

	wantDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, delay := range wantDelays {
		res, err := h.disp.DispatchOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Retried, "attempt %d", i+1)

		ev := h.eventsOf(t, 700)[model.EventRoomReservation]
		assert.Equal(t, model.EventPending, ev.Status)
		assert.Equal(t, i+1, ev.RetryCount)
		require.NotNil(t, ev.NextRetryAt)
		assert.True(t, ev.NextRetryAt.Equal(h.clk.Now().Add(delay)), "retry %d scheduled at %v", i+1, ev.NextRetryAt)
		assert.NotEmpty(t, ev.LastError)

		// 未到期不会被认领
		res, err = h.disp.DispatchOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, res.Claimed)

		h.clk.Advance(delay)
	}

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	ev := h.eventsOf(t, 700)[model.EventRoomReservation]
	assert.Equal(t, model.EventFailed, ev.Status)
	assert.Equal(t, MaxRetries, ev.RetryCount)
	assert.Equal(t, model.AppointmentCancelled, h.status(t, 700))
	assert.Equal(t, int64(4), h.auditCount(t, model.ActionOutboxEventRetry))
	assert.Equal(t, int64(1), h.auditCount(t, model.ActionOutboxEventFailed))
	assert.Equal(t, MaxRetries, h.rec.count(model.EventRoomReservation))

	// FAILED 不会被再次认领
	h.clk.Advance(time.Hour)
	res, err = h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestDispatch_RetryCountFourFailsAndCascades(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rec.setFail(model.EventDoctorCalendarUpdate, true)
	h.book(t, 200, model.EventDoctorCalendarUpdate, model.EventSendConfirmationEmail)

	ev := h.eventsOf(t, 200)[model.EventDoctorCalendarUpdate]
	require.NoError(t, h.db.Model(&model.OutboxEvent{}).Where("id = ?", ev.ID).Update("retry_count", 4).Error)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Processed)

	events := h.eventsOf(t, 200)
	assert.Equal(t, model.EventFailed, events[model.EventDoctorCalendarUpdate].Status)
	assert.Equal(t, 5, events[model.EventDoctorCalendarUpdate].RetryCount)
	assert.Equal(t, model.EventProcessed, events[model.EventSendConfirmationEmail].Status)
	assert.Equal(t, model.AppointmentCancelled, h.status(t, 200))
	assert.Empty(t, h.notified.list())
}

func TestDispatch_UnknownTypeConsumesRetryWithoutStoppingTick(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.book(t, 800, "FAX_PATIENT", model.EventRoomReservation)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 1, res.Processed)

	events := h.eventsOf(t, 800)
	assert.Equal(t, 1, events["FAX_PATIENT"].RetryCount)
	assert.Contains(t, events["FAX_PATIENT"].LastError, ErrUnknownEventType.Error())
	assert.Equal(t, model.EventProcessed, events[model.EventRoomReservation].Status)
	assert.Equal(t, model.AppointmentBooked, h.status(t, 800))
}

func TestDispatch_SendEmailAliasUsesConfirmationHandler(t *testing.T) {
	h := newHarness(t, Options{})
	h.book(t, 810, model.EventSendEmail)

	_, err := h.disp.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.rec.count(model.EventSendConfirmationEmail))
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 810))
}

func TestDispatch_PanickingEffectorIsIsolated(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.registry.Register(model.EventDoctorCalendarUpdate, EffectorFunc(func(context.Context, *AppointmentPayload) error {
		panic("calendar client nil map")
	}))
	h.book(t, 900, allTypes...)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Retried)

	ev := h.eventsOf(t, 900)[model.EventDoctorCalendarUpdate]
	assert.Equal(t, model.EventPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.Contains(t, ev.LastError, "panicked")
}

func TestDispatch_MalformedPayloadPolicies(t *testing.T) {
	cases := []struct {
		name       string
		policy     MalformedPolicy
		wantStatus model.EventStatus
		wantRetry  int
		wantAppt   model.AppointmentStatus
	}{
		{"retry", MalformedRetry, model.EventPending, 1, model.AppointmentBooked},
		{"fail_fast", MalformedFailFast, model.EventFailed, MaxRetries, model.AppointmentCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{MalformedPolicy: tc.policy})
			ctx := context.Background()
			h.book(t, 1000, model.EventRoomReservation)
			ev := h.eventsOf(t, 1000)[model.EventRoomReservation]
			require.NoError(t, h.db.Model(&model.OutboxEvent{}).Where("id = ?", ev.ID).
				Update("payload", datatypes.JSON(`{"appointmentId":"oops"}`)).Error)

			_, err := h.disp.DispatchOnce(ctx)
			require.NoError(t, err)

			got := h.eventsOf(t, 1000)[model.EventRoomReservation]
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.Equal(t, tc.wantRetry, got.RetryCount)
			assert.Equal(t, tc.wantAppt, h.status(t, 1000))
			assert.Zero(t, h.rec.count(model.EventRoomReservation))
		})
	}
}

func TestDispatch_BatchSizeBoundsTickInCreationOrder(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 2})
	ctx := context.Background()
	h.book(t, 1100, model.EventDoctorCalendarUpdate)
	h.clk.Advance(time.Second)
	h.book(t, 1101, model.EventDoctorCalendarUpdate)
	h.clk.Advance(time.Second)
	h.book(t, 1102, model.EventDoctorCalendarUpdate)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 1100))
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 1101))
	assert.Equal(t, model.AppointmentBooked, h.status(t, 1102))

	res, err = h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 1102))
}

func TestDispatcher_StartStop(t *testing.T) {
	h := newHarness(t, Options{PollInterval: 10 * time.Millisecond})
	h.book(t, 1200, allTypes...)

	stop := h.disp.Start()
	require.Eventually(t, func() bool {
		a, err := h.appts.GetByID(context.Background(), 1200)
		return err == nil && a.Status == model.AppointmentConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, stop(ctx))

	select {
	case d := <-h.disp.Latencies():
		assert.GreaterOrEqual(t, d, time.Duration(0))
	default:
		t.Fatal("expected a latency sample")
	}
}

func TestTruncate_KeepsValidUTF8(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "a", truncate("aé", 2))
	assert.Equal(t, "ab", truncate("a\x00b", 10))
	assert.Equal(t, "a\uFFFDb", truncate("a\xffb", 10))

	long := "x" + strings.Repeat("é", 600)
	got := truncate(long, 1024)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 1023, len(got))
}

func TestDispatch_NonASCIIErrorStillAdvancesRetry(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	// 截断位置落在多字节字符中间
	msg := "partner: \x00" + strings.Repeat("é", 600)
	h.registry.Register(model.EventRoomReservation, EffectorFunc(func(context.Context, *AppointmentPayload) error {
		return errors.New(msg)
	}))
	h.book(t, 820, model.EventRoomReservation)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	ev := h.eventsOf(t, 820)[model.EventRoomReservation]
	assert.Equal(t, model.EventPending, ev.Status)
	assert.Equal(t, 1, ev.RetryCount)
	assert.True(t, utf8.ValidString(ev.LastError))
	assert.NotContains(t, ev.LastError, "\x00")
	assert.LessOrEqual(t, len(ev.LastError), 1024)
	assert.True(t, strings.HasPrefix(ev.LastError, "partner: é"))
}

// failAuditFor 让描述中含有指定事件 id 的审计写入失败，从而使该事件的事务回滚
func failAuditFor(t *testing.T, db *gorm.DB, ids ...string) {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("test:fail_audit", func(tx *gorm.DB) {
		l, ok := tx.Statement.Dest.(*model.ActivityLog)
		if !ok {
			return
		}
		for _, id := range ids {
			if strings.Contains(l.Description, id) {
				_ = tx.AddError(errors.New("audit storage unavailable"))
				return
			}
		}
	})
	require.NoError(t, err)
}

func TestDispatch_AbortedEventIsLeftUntouchedAndTickContinues(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.rec.setFail(model.EventRoomReservation, true)
	h.book(t, 501, model.EventDoctorCalendarUpdate)
	h.book(t, 502, model.EventRoomReservation)
	h.book(t, 503, model.EventSendConfirmationEmail)

	okEv := h.eventsOf(t, 501)[model.EventDoctorCalendarUpdate]
	failEv := h.eventsOf(t, 502)[model.EventRoomReservation]
	failAuditFor(t, h.db, okEv.ID, failEv.ID)

	res, err := h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 2, res.Aborted)
	assert.Equal(t, 1, res.Processed)

	// 效果已执行，但状态变更连同审计一起回滚
	assert.Equal(t, 1, h.rec.count(model.EventDoctorCalendarUpdate))
	assert.Equal(t, 1, h.rec.count(model.EventRoomReservation))
	for id, typ := range map[int64]string{501: model.EventDoctorCalendarUpdate, 502: model.EventRoomReservation} {
		ev := h.eventsOf(t, id)[typ]
		assert.Equal(t, model.EventPending, ev.Status, typ)
		assert.Equal(t, 0, ev.RetryCount, typ)
		assert.Empty(t, ev.LastError, typ)
		require.NotNil(t, ev.NextRetryAt)
		assert.True(t, ev.NextRetryAt.Equal(t0), typ)
		assert.Equal(t, model.AppointmentBooked, h.status(t, id))
	}
	assert.Zero(t, h.auditCount(t, model.ActionOutboxEventRetry))
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 503))
	assert.Equal(t, []int64{503}, h.notified.list())
	assert.Equal(t, float64(3), h.counterSum(t, "clinic_outbox_dispatch_total"))

	// 回滚的事件仍然到期，下一个 tick 重新处理
	h.rec.setFail(model.EventRoomReservation, false)
	require.NoError(t, h.db.Callback().Create().Remove("test:fail_audit"))
	res, err = h.disp.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 501))
	assert.Equal(t, model.AppointmentConfirmed, h.status(t, 502))
}
