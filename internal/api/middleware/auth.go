package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/clinic-booking/internal/service"
	"github.com/d60-Lab/clinic-booking/pkg/response"
)

const ClaimsKey = "claims"

// JWTAuth 校验 Bearer 令牌并要求指定角色
func JWTAuth(auth service.AuthService, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			response.Unauthorized(c, "missing bearer token")
			return
		}
		claims, err := auth.ParseToken(strings.TrimSpace(token))
		if err != nil {
			response.Unauthorized(c, err.Error())
			return
		}
		if role != "" && claims.Role != role {
			response.Forbidden(c, "insufficient role")
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
