package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jobmatch-backend/internal/pipeline"
	"jobmatch-backend/internal/services/health"
	"jobmatch-backend/internal/shared/config"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/server/middleware"
	"jobmatch-backend/internal/shared/server/respond"
	"jobmatch-backend/internal/uploads"
)

const (
	rateGroupLaunch = "LAUNCH"
	rateGroupRead   = "READ"
	rateGroupUpload = "UPLOAD"
)

// RouterDeps carries the handlers the router mounts.
type RouterDeps struct {
	Config   config.Config
	Services *pipeline.Handler
	Uploads  *uploads.Handler
	Health   *health.Service
	Now      func() time.Time
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(deps.Config.Env),
		middleware.RateLimit(middleware.RateLimitConfig{
			DefaultGroup: rateGroupRead,
			GroupFor:     rateGroupFor,
			Limiter:      middleware.NewRateLimiter(deps.Now),
			Rules: map[string]middleware.RateLimitRule{
				rateGroupLaunch: {Rate: 0.5, Burst: 10},
				rateGroupRead:   {Rate: 10, Burst: 50},
				rateGroupUpload: {Rate: 0.2, Burst: 6},
			},
		}),
	)

	healthSvc := deps.Health
	if healthSvc == nil {
		healthSvc = health.NewService()
	}

	r.GET("/metrics", metrics.Handler())
	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		status := healthSvc.Status(c.Request.Context())
		code := http.StatusOK
		if !status["ok"] {
			code = http.StatusServiceUnavailable
		}
		respond.JSON(c, code, status)
	})
	if deps.Services != nil {
		deps.Services.RegisterRoutes(api)
	}
	if deps.Uploads != nil {
		deps.Uploads.RegisterRoutes(api)
	}

	return r
}

// rateGroupFor puts every session-starting POST in the launch bucket. SSE
// subscriptions are long lived and skip limiting.
func rateGroupFor(c *gin.Context) string {
	switch {
	case c.FullPath() == "/api/v1/uploads":
		return rateGroupUpload
	case c.Request.Method == http.MethodPost:
		return rateGroupLaunch
	case c.FullPath() == "/api/v1/services/:id/events", c.FullPath() == "/metrics", c.FullPath() == "/api/v1/health":
		return "NONE"
	default:
		return rateGroupRead
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
