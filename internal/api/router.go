// Package api wires the HTTP surface: the admin control-plane routes
// under /api/admin and the unauthenticated health probe.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xilu0/kiro-gateway/internal/admin"
	"github.com/xilu0/kiro-gateway/internal/config"
	"github.com/xilu0/kiro-gateway/internal/logging"
	"github.com/xilu0/kiro-gateway/internal/pool"
)

// Options configures the router.
type Options struct {
	Config *config.Config
	Pool   *pool.Pool
	Admin  *admin.Service
	Logger *slog.Logger
}

// NewRouter builds the gin engine. The admin surface is only mounted
// when an admin API key is configured; without one the routes do not
// exist at all.
func NewRouter(opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(logging.GinRecovery(opts.Logger))
	r.Use(logging.GinLogger(opts.Logger))

	r.GET("/health", healthHandler(opts.Pool))

	if opts.Config.HasAdminKey() {
		h := &adminHandlers{service: opts.Admin, logger: opts.Logger}

		g := r.Group("/api/admin", requireAPIKey(opts.Config.AdminAPIKey))
		g.GET("/credentials", h.listCredentials)
		g.POST("/credentials", h.addCredential)
		g.DELETE("/credentials/:id", h.deleteCredential)
		g.POST("/credentials/:id/disabled", h.setDisabled)
		g.POST("/credentials/:id/priority", h.setPriority)
		g.POST("/credentials/:id/reset", h.resetCredential)
		g.GET("/credentials/:id/balance", h.getBalance)
		g.GET("/load-balancing", h.getLoadBalancing)
		g.POST("/load-balancing", h.setLoadBalancing)
	} else {
		opts.Logger.Warn("adminApiKey not configured; admin API disabled")
	}

	return r
}

func healthHandler(p *pool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		total := p.TotalCount()
		available := p.AvailableCount()

		status := "ok"
		if total > 0 && available == 0 {
			status = "degraded"
		}

		c.JSON(http.StatusOK, gin.H{
			"status": status,
			"credentials": gin.H{
				"total":     total,
				"available": available,
			},
		})
	}
}
