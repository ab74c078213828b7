package handler

import (
    "errors"

    "github.com/gin-gonic/gin"

    "github.com/d60-Lab/clinic-booking/internal/service"
    "github.com/d60-Lab/clinic-booking/pkg/response"
)

type loginRequest struct {
    Username string `json:"username" binding:"required"`
    Password string `json:"password" binding:"required"`
}

// Login 管理员登录
// @Summary 管理员登录，返回 JWT
// @Tags 认证
// @Accept json
// @Produce json
// @Param request body loginRequest true "登录信息"
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Failure 400 {object} response.Response
// @Failure 401 {object} response.Response
// @Router /api/v1/auth/login [post]
func (h *Handler) Login(c *gin.Context) {
    var req loginRequest
    if err := c.ShouldBindJSON(&req); err != nil {
        response.BadRequest(c, err.Error())
        return
    }
    token, exp, err := h.auth.Login(c.Request.Context(), req.Username, req.Password)
    if errors.Is(err, service.ErrInvalidCredentials) {
        response.Unauthorized(c, err.Error())
        return
    }
    if err != nil {
        response.InternalError(c, err)
        return
    }
    response.Success(c, gin.H{"token": token, "token_type": "Bearer", "expires_at": exp.UTC()})
}
