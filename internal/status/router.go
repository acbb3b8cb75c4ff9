package status

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"deadman/internal/model"
	rtsup "deadman/internal/runtime/supervisor"
	"deadman/internal/task/scheduler"
	logx "deadman/pkg/logx"
)

// Loop is implemented by *scheduler.Service.
type Loop interface {
	Snapshot() scheduler.Snapshot
	Trigger() bool
}

// Store is the read side of storage.Store used here.
type Store interface {
	Ping(ctx context.Context) error
	LatestChecks(ctx context.Context) ([]model.CheckRecord, error)
}

// Sources feeds the handlers. Health and ConfigView are optional.
type Sources struct {
	Loop  Loop
	Store Store
	// Health reports a fatal app-level error, nil when healthy.
	Health func() error
	// ConfigView returns a summary safe to expose (no secrets).
	ConfigView func() any
	// Tasks reports the app's supervised goroutines.
	Tasks func() rtsup.Snapshot
}

// Router builds the gin engine. token == "" disables auth.
func (s *Service) Router(token string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogging(s.log))

	r.GET("/health", s.handleHealth)

	authed := r.Group("/", bearerAuth(token))
	authed.GET("/status", s.handleStatus)
	authed.GET("/config", s.handleConfig)
	authed.POST("/run_once", s.handleRunOnce)
	return r
}

func requestLogging(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("latency", time.Since(start)),
			logx.String("client", c.ClientIP()),
		}
		if status >= 500 {
			log.Warn("request", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

// bearerAuth accepts only "Authorization: Bearer <token>". Query-string
// tokens end up in access logs and are refused.
func bearerAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		var got string
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Service) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.src.Store != nil {
		if err := s.src.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "store: " + err.Error()})
			return
		}
	}
	if s.src.Health != nil {
		if err := s.src.Health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleStatus(c *gin.Context) {
	out := gin.H{
		"uptime":     time.Since(s.started).Round(time.Second).String(),
		"started_at": s.started,
	}
	if s.src.Loop != nil {
		out["loop"] = s.src.Loop.Snapshot()
	}
	if s.src.Tasks != nil {
		out["tasks"] = s.src.Tasks()
	}
	if s.src.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		checks, err := s.src.Store.LatestChecks(ctx)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store: " + err.Error()})
			return
		}
		out["subjects"] = checks
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) handleConfig(c *gin.Context) {
	if s.src.ConfigView == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.src.ConfigView())
}

func (s *Service) handleRunOnce(c *gin.Context) {
	if s.src.Loop == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "loop not running"})
		return
	}
	if !s.src.Loop.Trigger() {
		c.JSON(http.StatusConflict, gin.H{"status": "pending", "message": "a manual cycle is already queued"})
		return
	}
	s.log.Info("manual cycle requested", logx.String("client", c.ClientIP()))
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
