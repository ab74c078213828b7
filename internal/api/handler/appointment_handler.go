package handler

import (
    "errors"
    "net/http"
    "strconv"

    "github.com/gin-gonic/gin"

    "github.com/d60-Lab/clinic-booking/internal/service"
    "github.com/d60-Lab/clinic-booking/pkg/response"
)

type createAppointmentRequest struct {
    PatientID   int64  `json:"patient_id" binding:"required,gt=0"`
    SpecialtyID int64  `json:"specialty_id" binding:"required,gt=0"`
    Date        string `json:"date" binding:"required,datetime=2006-01-02"`
    TimeSlot    string `json:"time_slot" binding:"required,timeslot" example:"09:00-09:30"`
}

// CreateAppointment 创建预约
// @Summary 创建预约（支持 Idempotency-Key 去重）
// @Tags 预约
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "幂等键"
// @Param request body createAppointmentRequest true "预约信息"
// @Success 201 {object} response.Response{data=service.AppointmentResult}
// @Failure 400 {object} response.Response
// @Failure 404 {object} response.Response
// @Failure 409 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /api/v1/appointments [post]
func (h *Handler) CreateAppointment(c *gin.Context) {
    var req createAppointmentRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        response.BadRequest(c, err.Error())
        return
    }
    res, err := h.booking.CreateAppointment(c.Request.Context(), service.CreateAppointmentInput{
        PatientID:   req.PatientID,
        SpecialtyID: req.SpecialtyID,
        Date:        req.Date,
        TimeSlot:    req.TimeSlot,
    })
    switch {
    case err == nil:
        response.Created(c, res)
    case errors.Is(err, service.ErrInvalidTimeSlot):
        response.BadRequest(c, err.Error())
    case errors.Is(err, service.ErrTimeSlotNotFound):
        response.NotFound(c, err.Error())
    case errors.Is(err, service.ErrNoDoctorAvailable):
        response.Conflict(c, "NO_DOCTOR_AVAILABLE", err.Error())
    case errors.Is(err, service.ErrNoRoomAvailable):
        response.Conflict(c, "NO_ROOM_AVAILABLE", err.Error())
    default:
        response.InternalError(c, err)
    }
}

// GetAppointment 查询预约
// @Summary 查询预约状态
// @Tags 管理
// @Security BearerAuth
// @Produce json
// @Param id path int true "预约ID"
// @Success 200 {object} response.Response{data=model.Appointment}
// @Failure 401 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/admin/appointments/{id} [get]
func (h *Handler) GetAppointment(c *gin.Context) {
    id, ok := parseID(c)
    if !ok {
        return
    }
    a, err := h.booking.GetAppointment(c.Request.Context(), id)
    if errors.Is(err, service.ErrAppointmentMissing) {
        response.NotFound(c, err.Error())
        return
    }
    if err != nil {
        response.InternalError(c, err)
        return
    }
    response.Success(c, a)
}

// ListAppointmentEvents 查询预约的出站事件
// @Summary 查询预约的出站事件及投递状态
// @Tags 管理
// @Security BearerAuth
// @Produce json
// @Param id path int true "预约ID"
// @Success 200 {object} response.Response{data=[]model.OutboxEvent}
// @Failure 401 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/admin/appointments/{id}/events [get]
func (h *Handler) ListAppointmentEvents(c *gin.Context) {
    id, ok := parseID(c)
    if !ok {
        return
    }
    events, err := h.booking.ListEvents(c.Request.Context(), id)
    if errors.Is(err, service.ErrAppointmentMissing) {
        response.NotFound(c, err.Error())
        return
    }
    if err != nil {
        response.InternalError(c, err)
        return
    }
    response.Success(c, gin.H{"appointment_id": id, "events": events})
}

func parseID(c *gin.Context) (int64, bool) {
    id, err := strconv.ParseInt(c.Param("id"), 10, 64)
    if err != nil || id <= 0 {
        response.Error(c, http.StatusBadRequest, "BAD_REQUEST", "invalid id")
        return 0, false
    }
    return id, true
}
