package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/core"
)

// APIHandlers serves the small read-only HTTP API next to the socket
// endpoint.
type APIHandlers struct {
	bridge *core.Bridge
	log    *zerolog.Logger
}

// NewAPIHandlers creates the API handler set.
func NewAPIHandlers(bridge *core.Bridge, logger *zerolog.Logger) *APIHandlers {
	return &APIHandlers{bridge: bridge, log: logger}
}

// OnlineResponse reports both halves of a user's bridge presence.
type OnlineResponse struct {
	IRCOnline  bool `json:"ircOnline"`
	SyncOnline bool `json:"syncOnline"`
}

// TokenValidResponse reports whether a presented API token is good.
type TokenValidResponse struct {
	Valid bool `json:"valid"`
}

// IsOnline handles GET /api/is_online?u=<name>.
func (h *APIHandlers) IsOnline(c *gin.Context) {
	resp := OnlineResponse{}
	if name := c.Query("u"); name != "" {
		resp.SyncOnline = h.bridge.Registry().IsOnline(name)
		resp.IRCOnline = h.bridge.PeerConnected()
	}
	c.JSON(http.StatusOK, resp)
}

// TokenValid handles GET /api/token_valid?u=<name>&k=<token>.
func (h *APIHandlers) TokenValid(c *gin.Context) {
	resp := TokenValidResponse{}
	name := c.Query("u")
	token := c.Query("k")
	if name != "" && token != "" {
		resp.Valid = h.bridge.ValidateAPIToken(name, token)
	}
	c.JSON(http.StatusOK, resp)
}
