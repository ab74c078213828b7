package handler

import (
    "context"

    "github.com/gin-gonic/gin/binding"
    "github.com/go-playground/validator/v10"

    "github.com/d60-Lab/clinic-booking/internal/service"
)

// HealthCheck 依赖探活
type HealthCheck struct {
    Name  string
    Check func(ctx context.Context) error
}

// Handler HTTP 处理器集合
type Handler struct {
    booking service.BookingService
    auth    service.AuthService
    checks  []HealthCheck
}

func NewHandler(booking service.BookingService, auth service.AuthService, checks ...HealthCheck) *Handler {
    return &Handler{booking: booking, auth: auth, checks: checks}
}

// RegisterValidators 注册自定义校验标签（timeslot）
func RegisterValidators() error {
    v, ok := binding.Validator.Engine().(*validator.Validate)
    if !ok {
        return nil
    }
    return v.RegisterValidation("timeslot", func(fl validator.FieldLevel) bool {
        _, _, err := service.ParseTimeSlot(fl.Field().String())
        return err == nil
    })
}
