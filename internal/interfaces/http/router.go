// Package http exposes the mediator's ingress surface: the wire
// endpoints agents post envelopes to, the websocket and SSE delivery
// transports, the admin API and the maintenance probes.
package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/hermes-inc/hermes/internal/application/control"
	"github.com/hermes-inc/hermes/internal/application/mediator"
	"github.com/hermes-inc/hermes/internal/domain/registry"
	"github.com/hermes-inc/hermes/internal/infrastructure/auth"
	"github.com/hermes-inc/hermes/internal/infrastructure/cache"
	"github.com/hermes-inc/hermes/internal/infrastructure/notification"
	"github.com/hermes-inc/hermes/internal/infrastructure/stream"
	apperrors "github.com/hermes-inc/hermes/internal/shared/errors"
	"github.com/hermes-inc/hermes/internal/shared/logger"
)

// Content types accepted on wire endpoints.
var wireContentTypes = map[string]bool{
	"application/ssi-agent-wire":          true,
	"application/json":                    true,
	"application/didcomm-envelope-enc":    true,
	"application/didcomm-encrypted+json":  true,
}

const contentTypeWire = "application/ssi-agent-wire"

// Deps carries everything the router needs.
type Deps struct {
	Service   *mediator.Service
	Users     registry.UserRepository
	Backups   registry.BackupRepository
	KV        registry.KVStorage
	JWT       *auth.JWTManager
	Control   *control.Plane
	Email     *notification.EmailSender
	DB        *gorm.DB
	Cache     *cache.KV
	Pool      *stream.Pool
	StartedAt time.Time
	Log       logger.Interface
}

// Router wires the HTTP surface.
type Router struct {
	deps Deps
	log  logger.Interface
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps, log: deps.Log.Named("http")}
}

// Setup registers all routes on the engine. pathPrefix is the wire
// endpoint prefix, "e" by default.
func (r *Router) Setup(engine *gin.Engine, pathPrefix string) {
	if pathPrefix == "" {
		pathPrefix = "e"
	}

	engine.POST("/"+pathPrefix+"/:uid", r.handleEndpointInbox)
	engine.POST("/endpoint", r.handleMainInbox)
	engine.GET("/invitation", r.handleInvitation)
	engine.GET("/polling", r.handlePolling)
	engine.GET("/ws", r.handleWebsocket)
	engine.GET("/ws/events", r.handleEventsWebsocket)

	maintenance := engine.Group("/maintenance")
	{
		maintenance.GET("/health_check", r.handleHealthCheck)
		maintenance.GET("/liveness_check", r.handleLivenessCheck)
	}

	admin := engine.Group("/admin")
	{
		admin.POST("/login", r.handleAdminLogin)
		authed := admin.Group("", r.requireAdmin())
		{
			authed.POST("/users", r.handleCreateUser)
			authed.GET("/settings/:name", r.handleGetSetting)
			authed.POST("/settings", r.handleSetSetting)
			authed.GET("/pairwises", r.handleListPairwises)
			authed.POST("/backups", r.handleDumpBackup)
			authed.GET("/backups/:description", r.handleLoadBackup)
			authed.GET("/kv/:namespace", r.handleListKV)
			authed.POST("/kv", r.handleSetKV)
			authed.DELETE("/kv/:namespace/:key", r.handleDeleteKV)
		}
	}
}

// respondError maps domain errors onto HTTP status codes.
func (r *Router) respondError(c *gin.Context, err error) {
	switch {
	case apperrors.IsAppError(err):
		appErr := apperrors.GetAppError(err)
		c.JSON(appErr.Code, gin.H{"error": appErr.Message})
	case errors.Is(err, apperrors.ErrDecryptFailure):
		c.JSON(http.StatusBadRequest, gin.H{"error": "envelope could not be decrypted"})
	case apperrors.IsTransportUnreachable(err), errors.Is(err, apperrors.ErrNoReachableShard):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message transport is unavailable"})
	default:
		r.log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
