// Package irc wraps the one outbound Bancho connection shared by every
// bridged session.
package irc

import (
	"context"
	"time"

	"github.com/lrstanley/girc"
	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/core"
)

// Config holds the IRC side of the bridge configuration.
type Config struct {
	Server   string
	Port     int
	Nick     string
	Password string
	UseTLS   bool
}

// Adapter multiplexes outbound private messages by target name and feeds
// inbound lines back into the bridge. It implements core.ChatPeer.
type Adapter struct {
	cfg    Config
	client *girc.Client
	bridge *core.Bridge
	log    *zerolog.Logger
}

// New builds the adapter and wires the girc handlers.
func New(cfg Config, bridge *core.Bridge, logger *zerolog.Logger) *Adapter {
	a := &Adapter{
		cfg:    cfg,
		bridge: bridge,
		log:    logger,
	}

	client := girc.New(girc.Config{
		Server:     cfg.Server,
		Port:       cfg.Port,
		Nick:       cfg.Nick,
		User:       cfg.Nick,
		ServerPass: cfg.Password,
		SSL:        cfg.UseTLS,
	})

	client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		a.log.Info().Str("server", cfg.Server).Str("nick", cfg.Nick).Msg("irc registered")
	})

	client.Handlers.Add(girc.DISCONNECTED, func(c *girc.Client, e girc.Event) {
		a.log.Warn().Str("server", cfg.Server).Msg("irc disconnected")
	})

	client.Handlers.Add(girc.PRIVMSG, func(c *girc.Client, e girc.Event) {
		// Only direct messages to the bot are bridge traffic.
		if len(e.Params) == 0 || !e.IsFromUser() {
			return
		}
		a.bridge.DeliverFromChat(context.Background(), e.Source.Name, e.Last())
	})

	a.client = client
	return a
}

// Run keeps the IRC connection alive until the context is cancelled,
// reconnecting with a flat backoff. Losing the chat peer never takes the
// socket sessions down; relay simply resumes once registered again.
func (a *Adapter) Run(ctx context.Context) {
	const backoff = 5 * time.Second
	for {
		if err := a.client.Connect(); err != nil {
			a.log.Error().Err(err).Msg("irc connection failed")
		}
		select {
		case <-ctx.Done():
			a.client.Close()
			return
		case <-time.After(backoff):
		}
	}
}

// SendTo forwards text to an IRC user, suppressing self-addressed sends.
func (a *Adapter) SendTo(name, text string) {
	if core.Fold(name) == core.Fold(a.cfg.Nick) {
		return
	}
	if !a.client.IsConnected() {
		a.log.Warn().Str("name", name).Msg("dropped message, irc offline")
		return
	}
	a.client.Cmd.Message(name, text)
}

// Connected reports whether the IRC connection is currently up.
func (a *Adapter) Connected() bool {
	return a.client.IsConnected()
}
