package main

import (
    "context"
    "fmt"
    "math"
    "math/rand"
    "os"
    "sort"
    "strconv"
    "time"

    "github.com/d60-Lab/clinic-booking/config"
    "github.com/d60-Lab/clinic-booking/internal/model"
    "github.com/d60-Lab/clinic-booking/internal/outbox"
    "github.com/d60-Lab/clinic-booking/internal/repository"
    "github.com/d60-Lab/clinic-booking/internal/service"
    "github.com/d60-Lab/clinic-booking/pkg/clock"
    "github.com/d60-Lab/clinic-booking/pkg/database"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func envInt(key string, def int) int {
    if s := os.Getenv(key); s != "" { if v, e := strconv.Atoi(s); e == nil && v >= 0 { return v } }
    return def
}

func pct(vs []time.Duration, p float64) time.Duration {
    if len(vs) == 0 { return 0 }
    xs := append([]time.Duration(nil), vs...)
    sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
    k := int(math.Ceil(p*float64(len(xs)))) - 1
    if k < 0 { k = 0 }
    if k >= len(xs) { k = len(xs)-1 }
    return xs[k]
}

func avg(vs []time.Duration) time.Duration {
    if len(vs) == 0 { return 0 }
    var sum time.Duration
    for _, d := range vs { sum += d }
    return sum / time.Duration(len(vs))
}

func main() {
    cfg := must(config.Load())
    db := must(database.InitDB(cfg))

    // params
    N := envInt("N", 2000)             // appointments to book
    DOCTORS := envInt("DOCTORS", 8)    // doctors (and rooms) for one specialty
    WORKERS := envInt("WORKERS", 4)    // dispatcher workers
    BATCH := envInt("BATCH", 100)      // events per tick
    EFFECT_MS := envInt("EFFECT_MS", 2) // simulated partner latency
    FAIL_PCT := envInt("FAIL_PCT", 0)  // per-attempt failure rate
    if DOCTORS == 0 { DOCTORS = 1 }

    // clean tables for a reproducible run (ok for local bench)
    _ = db.Exec("TRUNCATE TABLE outbox_events, activity_logs, appointments, doctors, rooms, time_slots RESTART IDENTITY CASCADE").Error

    // seed one specialty, DOCTORS doctors/rooms and 16 half-hour slots
    doctors := make([]model.Doctor, DOCTORS)
    rooms := make([]model.Room, DOCTORS)
    for i := 0; i < DOCTORS; i++ {
        doctors[i] = model.Doctor{Name: fmt.Sprintf("Dr. %02d", i), SpecialtyID: 1}
        rooms[i] = model.Room{Name: fmt.Sprintf("Room %02d", i)}
    }
    slots := make([]model.TimeSlot, 0, 16)
    for m := 8 * 60; m < 16*60; m += 30 {
        slots = append(slots, model.TimeSlot{
            StartTime: fmt.Sprintf("%02d:%02d", m/60, m%60),
            EndTime:   fmt.Sprintf("%02d:%02d", (m+30)/60, (m+30)%60),
        })
    }
    for _, v := range []interface{}{&doctors, &rooms, &slots} {
        if err := db.Create(v).Error; err != nil { panic(err) }
    }

    clk := clock.RealClock{}
    booking := service.NewBookingService(db, outbox.NewWriter(repository.NewOutboxRepository(db), clk))

    registry := outbox.NewRegistry()
    stub := outbox.EffectorFunc(func(ctx context.Context, _ *outbox.AppointmentPayload) error {
        time.Sleep(time.Duration(EFFECT_MS) * time.Millisecond)
        if FAIL_PCT > 0 && rand.Intn(100) < FAIL_PCT { return fmt.Errorf("simulated partner failure") }
        return nil
    })
    for _, typ := range service.BookingEvents { registry.Register(typ, stub) }

    dispatcher := outbox.NewDispatcher(db, registry, outbox.NewRollup(db, nil), clk, nil, outbox.Options{
        PollInterval: 20 * time.Millisecond,
        BatchSize:    BATCH,
        Workers:      WORKERS,
    })
    stop := dispatcher.Start()
    defer stop(context.Background())

    // book N appointments; each date holds DOCTORS*len(slots) bookings
    perDay := DOCTORS * len(slots)
    base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
    bookDurations := make([]time.Duration, 0, N)
    for i := 0; i < N; i++ {
        slot := slots[(i/DOCTORS)%len(slots)]
        st := time.Now()
        _, err := booking.CreateAppointment(context.Background(), service.CreateAppointmentInput{
            PatientID:   int64(i + 1),
            SpecialtyID: 1,
            Date:        base.AddDate(0, 0, i/perDay).Format("2006-01-02"),
            TimeSlot:    slot.Label(),
        })
        if err != nil { panic(err) }
        bookDurations = append(bookDurations, time.Since(st))
    }

    // collect created -> processed latency until every event has had its first attempt.
    // with FAIL_PCT > 0 failed attempts back off for minutes, so they are reported, not waited for
    total := int64(N * len(service.BookingEvents))
    land := make([]time.Duration, 0, total)
    attempted := func() int64 {
        var n int64
        _ = db.Model(&model.OutboxEvent{}).Where("status <> ? OR retry_count > 0", model.EventPending).Count(&n).Error
        return n
    }
    poll := time.NewTicker(100 * time.Millisecond)
    defer poll.Stop()
    timeout := time.After(2 * time.Minute)
    for done := false; !done; {
        select {
        case d := <-dispatcher.Latencies():
            land = append(land, d)
        case <-poll.C:
            done = attempted() >= total
        case <-timeout:
            fmt.Printf("timeout while waiting for dispatch: attempted=%d want=%d\n", attempted(), total)
            done = true
        }
    }
    // drain samples already queued
    for drained := false; !drained; {
        select {
        case d := <-dispatcher.Latencies():
            land = append(land, d)
        default:
            drained = true
        }
    }

    var confirmed, processed, retrying int64
    _ = db.Model(&model.Appointment{}).Where("status = ?", model.AppointmentConfirmed).Count(&confirmed).Error
    _ = db.Model(&model.OutboxEvent{}).Where("status = ?", model.EventProcessed).Count(&processed).Error
    _ = db.Model(&model.OutboxEvent{}).Where("status = ? AND retry_count > 0", model.EventPending).Count(&retrying).Error

    fmt.Printf("N=%d DOCTORS=%d WORKERS=%d BATCH=%d EFFECT_MS=%d FAIL_PCT=%d\n", N, DOCTORS, WORKERS, BATCH, EFFECT_MS, FAIL_PCT)
    fmt.Printf("Booking tx latency: avg=%v p95=%v p99=%v\n", avg(bookDurations), pct(bookDurations, 0.95), pct(bookDurations, 0.99))
    fmt.Printf("Dispatch (created->processed): samples=%d avg=%v p95=%v p99=%v\n", len(land), avg(land), pct(land, 0.95), pct(land, 0.99))
    fmt.Printf("Events processed: %d/%d, waiting for retry: %d\n", processed, total, retrying)
    fmt.Printf("Appointments confirmed: %d/%d\n", confirmed, N)
}
