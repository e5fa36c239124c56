// Package api serves the daemon's diagnostics surface: health, counters,
// and a small read-only view of recent intervals. The administrative CRUD
// application lives elsewhere and only shares the database.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"npt-ingest-backend/config"
	"npt-ingest-backend/internal/ingest"
	"npt-ingest-backend/internal/mw"
	"npt-ingest-backend/internal/store"
)

// NewRouter creates and configures the diagnostics router.
func NewRouter(ing *ingest.Ingestor, s store.Store, cfg *config.ServerConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), 5)
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	r.GET("/healthz", healthz(ing))
	r.GET("/stats", stats(ing))

	apiGroup := r.Group("/api")
	apiGroup.Use(rateLimiter)
	{
		apiGroup.GET("/intervals/recent", caching, recentIntervals(s))
	}

	return r
}

func healthz(ing *ingest.Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		body := gin.H{
			"broker_connected": ing.Transport.Connected(),
			"queue_depths":     ing.QueueDepths(),
			"overflow_pending": ing.Overflow.Pending(),
		}
		if !ing.Transport.Connected() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, body)
	}
}

func stats(ing *ingest.Ingestor) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"counters":     ing.Stats.Snapshot(),
			"queue_depths": ing.QueueDepths(),
			"refdata": gin.H{
				"machines":  ing.Cache.Snapshot().MachineCount(),
				"reasons":   ing.Cache.Snapshot().ReasonCount(),
				"loaded_at": ing.Cache.Snapshot().LoadedAt(),
			},
		})
	}
}

func recentIntervals(s store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		intervals, err := s.RecentIntervals(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load intervals"})
			return
		}
		c.JSON(http.StatusOK, intervals)
	}
}
