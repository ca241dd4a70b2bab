package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/config"
	"github.com/osusync/pbt-server/internal/core"
)

// NewServer builds the HTTP server carrying the socket endpoint and the
// read-only API.
func NewServer(bridge *core.Bridge, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(LoggerMiddleware(logger), gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	engine.GET(cfg.WSPath, gin.WrapH(NewWSHandler(bridge, logger)))

	api := NewAPIHandlers(bridge, logger)
	engine.GET("/api/is_online", api.IsOnline)
	engine.GET("/api/token_valid", api.TokenValid)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// LoggerMiddleware logs HTTP requests, skipping the long-lived socket
// endpoint to keep the log usable.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.IsWebsocket() {
			return
		}
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
