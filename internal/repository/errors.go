package repository

import "errors"

var (
	ErrNotFound         = errors.New("record not found")
	ErrNoDueEvent       = errors.New("no due outbox event")
	ErrEventNotPending  = errors.New("outbox event is no longer pending")
	ErrDuplicateEvent   = errors.New("outbox event already exists for aggregate, type and status")
	ErrDoctorSlotTaken  = errors.New("doctor already booked for this date and time slot")
	ErrRoomSlotTaken    = errors.New("room already booked for this date and time slot")
)
