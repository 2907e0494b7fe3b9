package observability

import (
	"net/http"
	"time"

	"github.com/danmuck/nettables/internal/auth"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc returns a JSON-serializable snapshot of a component.
type StatusFunc func() any

// RouterConfig configures the status HTTP surface.
type RouterConfig struct {
	Node        string
	CORSOrigins []string
	Status      StatusFunc
	// StatusToken, when set, is required as a bearer credential on /status.
	StatusToken string
}

// NewStatusRouter serves /health, /status, and /metrics.
func NewStatusRouter(cfg RouterConfig, logger zerolog.Logger) *gin.Engine {
	RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(logger))
	r.Use(RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"node":   cfg.Node,
			"uptime": time.Since(started).String(),
		})
	})
	r.GET("/status", func(c *gin.Context) {
		if cfg.StatusToken != "" {
			if err := auth.CheckHeader(auth.StaticToken{Token: cfg.StatusToken}, c.GetHeader("Authorization")); err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
		}
		if cfg.Status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no status provider"})
			return
		}
		c.JSON(http.StatusOK, cfg.Status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
