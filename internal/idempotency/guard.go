package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/d60-Lab/clinic-booking/config"
	"github.com/d60-Lab/clinic-booking/pkg/logger"
	"github.com/d60-Lab/clinic-booking/pkg/response"
)

// ProcessingMarker 执行中的占位值
const ProcessingMarker = "PROCESSING"

const maxKeyLength = 255

// ReplayHeader 命中缓存时附加在响应上
const ReplayHeader = "Idempotent-Replayed"

// CachedResponse 缓存的最终响应
type CachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

type decision int

const (
	decisionExecute decision = iota
	decisionInProgress
	decisionReplay
)

func (d decision) String() string {
	switch d {
	case decisionExecute:
		return "execute"
	case decisionInProgress:
		return "in_progress"
	case decisionReplay:
		return "replay"
	}
	return "unknown"
}

// Guard 对已注册的 method+route 做幂等去重；其余请求直接放行
type Guard struct {
	store         Store
	header        string
	prefix        string
	processingTTL time.Duration
	responseTTL   time.Duration

	mu     sync.RWMutex
	routes map[string]struct{}

	decisions *prometheus.CounterVec
}

func NewGuard(store Store, cfg config.IdempotencyConfig, reg prometheus.Registerer) *Guard {
	g := &Guard{
		store:         store,
		header:        cfg.Header,
		prefix:        cfg.KeyPrefix,
		processingTTL: cfg.ProcessingTTL,
		responseTTL:   cfg.ResponseTTL,
		routes:        make(map[string]struct{}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "idempotency",
			Name:      "decisions_total",
			Help:      "Idempotency guard decisions.",
		}, []string{"decision"}),
	}
	if g.header == "" {
		g.header = "Idempotency-Key"
	}
	if g.processingTTL <= 0 {
		g.processingTTL = 60 * time.Second
	}
	if g.responseTTL <= 0 {
		g.responseTTL = 24 * time.Hour
	}
	if reg != nil {
		reg.MustRegister(g.decisions)
	}
	return g
}

// Register 对 method + gin 路由模板（如 /api/v1/appointments）启用去重
func (g *Guard) Register(method, route string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.routes[routeKey(method, route)] = struct{}{}
}

// RegisterSpecs 解析 "METHOD /path" 形式的配置
func (g *Guard) RegisterSpecs(specs []string) error {
	for _, s := range specs {
		parts := strings.Fields(s)
		if len(parts) != 2 {
			return fmt.Errorf("invalid idempotency route %q, want \"METHOD /path\"", s)
		}
		g.Register(parts[0], parts[1])
	}
	return nil
}

func (g *Guard) Applies(method, route string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.routes[routeKey(method, route)]
	return ok
}

func routeKey(method, route string) string {
	return strings.ToUpper(method) + " " + route
}

// Middleware gin 中间件，需注册在 Recovery 之后
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Applies(c.Request.Method, c.FullPath()) {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader(g.header))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			response.BadRequest(c, fmt.Sprintf("%s must be at most %d characters", g.header, maxKeyLength))
			return
		}

		storeKey := g.prefix + key
		ctx := context.WithoutCancel(c.Request.Context())

		d, cached, err := g.acquire(ctx, storeKey)
		if err != nil {
			logger.Error("idempotency store unavailable", zap.String("key", key), zap.Error(err))
			g.count("store_error")
			response.Error(c, http.StatusServiceUnavailable, "IDEMPOTENCY_STORE_UNAVAILABLE",
				"idempotency store unavailable, retry later")
			return
		}
		g.count(d.String())

		switch d {
		case decisionInProgress:
			logger.Info("idempotent request already in progress", zap.String("key", key))
			response.Conflict(c, "IDEMPOTENCY_IN_PROGRESS", "Request already in progress")
			return
		case decisionReplay:
			logger.Info("replaying cached response", zap.String("key", key), zap.Int("status", cached.Status))
			c.Header(ReplayHeader, "true")
			c.Data(cached.Status, cached.ContentType, cached.Body)
			c.Abort()
			return
		}

		g.execute(ctx, c, key, storeKey)
	}
}

// acquire 预占 key；被拒且值已消失时再试一次
func (g *Guard) acquire(ctx context.Context, storeKey string) (decision, *CachedResponse, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := g.store.ReserveIfAbsent(ctx, storeKey, ProcessingMarker, g.processingTTL)
		if err != nil {
			return 0, nil, err
		}
		if ok {
			return decisionExecute, nil, nil
		}

		val, found, err := g.store.Get(ctx, storeKey)
		if err != nil {
			return 0, nil, err
		}
		if !found {
			continue
		}
		if val == ProcessingMarker {
			return decisionInProgress, nil, nil
		}
		var cached CachedResponse
		if err := json.Unmarshal([]byte(val), &cached); err != nil || cached.Status == 0 {
			// 无法解析的缓存值：清掉后重新预占
			logger.Warn("discarding unreadable idempotency record", zap.String("key", storeKey))
			if err := g.store.Delete(ctx, storeKey); err != nil {
				return 0, nil, err
			}
			continue
		}
		return decisionReplay, &cached, nil
	}
	return decisionInProgress, nil, nil
}

func (g *Guard) execute(ctx context.Context, c *gin.Context, key, storeKey string) {
	w := &captureWriter{ResponseWriter: c.Writer}
	c.Writer = w

	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, key, storeKey)
			panic(r)
		}
	}()

	c.Next()

	status := w.Status()
	if status < 200 || status >= 300 {
		logger.Debug("releasing idempotency key after failed request", zap.String("key", key), zap.Int("status", status))
		g.release(ctx, key, storeKey)
		return
	}

	raw, err := json.Marshal(CachedResponse{
		Status:      status,
		ContentType: w.Header().Get("Content-Type"),
		Body:        w.body.Bytes(),
	})
	if err == nil {
		err = g.store.Set(ctx, storeKey, string(raw), g.responseTTL)
	}
	if err != nil {
		// 响应已发出；删除占位，避免重试被卡到占位过期
		logger.Error("cache idempotent response", zap.String("key", key), zap.Error(err))
		g.release(ctx, key, storeKey)
	}
}

func (g *Guard) release(ctx context.Context, key, storeKey string) {
	if err := g.store.Delete(ctx, storeKey); err != nil {
		logger.Error("release idempotency key", zap.String("key", key), zap.Error(err))
	}
}

func (g *Guard) count(d string) {
	g.decisions.WithLabelValues(d).Inc()
}

// captureWriter 转发写入的同时保留响应体
type captureWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
