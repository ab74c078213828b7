package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/gin-gonic/gin"

    "github.com/d60-Lab/clinic-booking/pkg/response"
)

// Health 健康检查
// @Summary 健康检查
// @Tags 运维
// @Produce json
// @Success 200 {object} response.Response
// @Failure 503 {object} response.Response
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
    ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
    defer cancel()

    status := gin.H{}
    healthy := true
    for _, hc := range h.checks {
        if err := hc.Check(ctx); err != nil {
            status[hc.Name] = err.Error()
            healthy = false
            continue
        }
        status[hc.Name] = "ok"
    }
    if !healthy {
        c.JSON(http.StatusServiceUnavailable, response.Response{Code: http.StatusServiceUnavailable, Message: "unhealthy", Data: status})
        return
    }
    response.Success(c, status)
}
