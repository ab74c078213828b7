package api

import (
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/d60-Lab/clinic-booking/config"
	_ "github.com/d60-Lab/clinic-booking/docs"
	"github.com/d60-Lab/clinic-booking/internal/api/handler"
	"github.com/d60-Lab/clinic-booking/internal/api/middleware"
	"github.com/d60-Lab/clinic-booking/internal/idempotency"
	"github.com/d60-Lab/clinic-booking/internal/service"
)

// Deps 路由依赖
type Deps struct {
	Config   *config.Config
	Handler  *handler.Handler
	Guard    *idempotency.Guard
	Auth     service.AuthService
	Gatherer prometheus.Gatherer
}

// NewRouter 组装中间件与路由。幂等守卫在 Recovery 之后，只作用于已注册的路由。
func NewRouter(d Deps) *gin.Engine {
	if d.Config.Server.Mode != "" {
		gin.SetMode(d.Config.Server.Mode)
	}
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logger(), gin.Recovery())
	if d.Config.Sentry.DSN != "" {
		r.Use(sentrygin.New(sentrygin.Options{Repanic: true}))
	}
	if d.Config.Tracing.Enabled {
		r.Use(otelgin.Middleware(d.Config.Tracing.ServiceName))
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(middleware.RateLimit(d.Config.Server.RateLimit, d.Config.Server.RateBurst))
	if d.Guard != nil {
		r.Use(d.Guard.Middleware())
	}

	h := d.Handler
	r.GET("/health", h.Health)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/appointments", h.CreateAppointment)
		v1.POST("/auth/login", h.Login)

		admin := v1.Group("/admin", middleware.JWTAuth(d.Auth, "admin"))
		admin.GET("/appointments/:id", h.GetAppointment)
		admin.GET("/appointments/:id/events", h.ListAppointmentEvents)
	}
	return r
}
