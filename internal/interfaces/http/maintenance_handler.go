package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealthCheck probes every dependency: the database, the cache
// and all stream shards. Any failure degrades the status to 503.
func (r *Router) handleHealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	healthy := true
	checks := gin.H{}

	dbStatus := "ok"
	if sqlDB, err := r.deps.DB.DB(); err != nil {
		dbStatus = err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = err.Error()
		healthy = false
	}
	checks["database"] = dbStatus

	cacheStatus := "ok"
	if err := r.deps.Cache.Ping(); err != nil {
		cacheStatus = err.Error()
		healthy = false
	}
	checks["cache"] = cacheStatus

	shards := gin.H{}
	for _, shard := range r.deps.Pool.Shards() {
		if err := r.deps.Pool.Ping(ctx, shard); err != nil {
			shards[shard] = err.Error()
			healthy = false
		} else {
			shards[shard] = "ok"
		}
	}
	checks["stream_shards"] = shards

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

// handleLivenessCheck reports that the process itself is responsive.
func (r *Router) handleLivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "alive",
		"uptime_seconds": int(time.Since(r.deps.StartedAt).Seconds()),
	})
}
