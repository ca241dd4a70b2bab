// Package app wires the store, the bridge, the IRC peer and the HTTP
// transport into one runnable service.
package app

import (
	"context"
	"fmt"
	stdhttp "net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/auth"
	"github.com/osusync/pbt-server/internal/config"
	"github.com/osusync/pbt-server/internal/core"
	"github.com/osusync/pbt-server/internal/irc"
	"github.com/osusync/pbt-server/internal/osuapi"
	"github.com/osusync/pbt-server/internal/store"
	"github.com/osusync/pbt-server/internal/store/sqlite"
	transporthttp "github.com/osusync/pbt-server/internal/transport/http"
)

// maximum ban window for "ban <name> forever".
const foreverBan = 100 * 365 * 24 * time.Hour

// App owns every long-lived component of the bridge server.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	bridge          *core.Bridge
	peer            *irc.Adapter
	store           store.IdentityStore
	log             *zerolog.Logger
}

// New constructs the application with the provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("db_path", cfg.DatabasePath).Msg("database initialized")

	resolver := osuapi.New(cfg.OsuAPIKey)

	bridge := core.NewBridge(core.BridgeConfig{
		BotName:              cfg.IRC.Nick,
		WelcomeMessage:       cfg.WelcomeMessage,
		RedirectNotice:       cfg.RedirectNotice,
		MaxMessagesPerMinute: cfg.MaxMessagesPerMinute,
		HeartbeatTimeout:     cfg.HeartbeatTimeout,
		IdleTimeout:          cfg.IdleTimeout,
		SweepInterval:        cfg.SweepInterval,
		LoginCooldown:        cfg.LoginCooldown,
		CooldownBanDuration:  cfg.CooldownBan,
		ForeverBanDuration:   foreverBan,
		Token: auth.TokenConfig{
			Secret: []byte(cfg.TokenSecret),
			Issuer: cfg.IRC.Nick,
			TTL:    cfg.TokenTTL,
		},
	}, st, resolver, logger)

	peer := irc.New(irc.Config{
		Server:   cfg.IRC.Server,
		Port:     cfg.IRC.Port,
		Nick:     cfg.IRC.Nick,
		Password: cfg.IRC.Password,
		UseTLS:   cfg.IRC.UseTLS,
	}, bridge, logger)
	bridge.SetPeer(peer)

	server := transporthttp.NewServer(bridge, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		bridge:          bridge,
		peer:            peer,
		store:           st,
		log:             logger,
	}, nil
}

// Run starts every component and blocks until context cancellation or a
// fatal server error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go a.bridge.Run(ctx)
	go a.peer.Run(ctx)
	go a.runConsole(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	a.log.Info().Str("addr", a.server.Addr).Msg("bridge server started")

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// runConsole feeds stdin lines into the administrative command dispatcher.
func (a *App) runConsole(ctx context.Context) {
	a.bridge.ConsoleCommands().RunInput(ctx, os.Stdin, func(line string) {
		fmt.Println(line)
	})
}

// cleanup disconnects every session and closes the store.
func (a *App) cleanup() {
	for _, s := range a.bridge.Registry().Sessions() {
		a.bridge.Evict(s, "The server is shutting down.", core.CloseNormal)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
