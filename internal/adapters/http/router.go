package http

import (
	"net/http"

	"github.com/dkeye/colastream/internal/app"
	"github.com/dkeye/colastream/internal/core"
	"github.com/dkeye/colastream/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// SessionDirectory is the bridge's view exposed over HTTP.
type SessionDirectory interface {
	Room() domain.RoomID
	Sessions() []app.SessionInfo
	CloseSession(peer domain.PeerID) bool
}

type RouterConfig struct {
	Mode   string
	Secret string
}

func SetupRouter(cfg RouterConfig, dir SessionDirectory, ice core.ICEServerSource) *gin.Engine {
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "room": dir.Room()})
	})

	api := r.Group("/api")
	if cfg.Secret != "" {
		api.Use(JWTAuth(cfg.Secret))
	} else {
		log.Warn().Str("module", "adapters.http").Msg("status API running without authentication")
	}

	// GET /api/sessions: live peer sessions
	api.GET("/sessions", func(c *gin.Context) {
		sessions := dir.Sessions()
		c.JSON(http.StatusOK, gin.H{"room": dir.Room(), "count": len(sessions), "sessions": sessions})
	})

	// DELETE /api/sessions/:uuid: close one peer session
	api.DELETE("/sessions/:uuid", func(c *gin.Context) {
		peer := domain.PeerID(c.Param("uuid"))
		if !dir.CloseSession(peer) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		log.Info().Str("module", "adapters.http").Str("peer", peer.Short()).Msg("session closed via api")
		c.Status(http.StatusNoContent)
	})

	// GET /api/ice: ICE servers handed to peers
	api.GET("/ice", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": ice.Servers()})
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
