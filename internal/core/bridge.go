package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/osusync/pbt-server/internal/auth"
	"github.com/osusync/pbt-server/internal/proto"
	"github.com/osusync/pbt-server/internal/store"
)

// ChatPeer is the one outbound IRC connection shared by all sessions.
type ChatPeer interface {
	// SendTo forwards text to an IRC user. Implementations suppress sends
	// addressed to the bridge's own nick.
	SendTo(name, text string)
	// Connected reports whether the IRC side is currently registered.
	Connected() bool
}

// Resolver maps a display name to the stable osu! user id and the canonical
// spelling of the name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (uid int64, canonical string, err error)
}

// BridgeConfig carries the tunables of the session bridge.
type BridgeConfig struct {
	BotName              string
	WelcomeMessage       string
	RedirectNotice       string
	MaxMessagesPerMinute int
	HeartbeatTimeout     time.Duration
	IdleTimeout          time.Duration
	SweepInterval        time.Duration
	LoginCooldown        time.Duration
	CooldownBanDuration  time.Duration
	ForeverBanDuration   time.Duration
	Token                auth.TokenConfig
}

// Metadata is what the client supplies on the upgrade request.
type Metadata struct {
	ClaimedName string
	MAC         string
	HWID        string
	Redirected  bool
}

// Bridge is the session bridge and presence engine: it admits socket
// connections against the identity store, enforces at most one session per
// name, relays traffic between the socket and the IRC peer, and evicts dead
// or idle sessions.
type Bridge struct {
	cfg      BridgeConfig
	store    store.IdentityStore
	resolver Resolver
	peer     ChatPeer
	registry *Registry
	tokens   *TokenManager
	log      *zerolog.Logger

	consoleCmds *CommandProcessor
	chatCmds    *CommandProcessor

	now func() time.Time
}

// NewBridge wires the bridge. The chat peer is attached later with SetPeer
// because the IRC adapter needs the bridge for its inbound path.
func NewBridge(cfg BridgeConfig, st store.IdentityStore, resolver Resolver, logger *zerolog.Logger) *Bridge {
	b := &Bridge{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		registry: NewRegistry(),
		tokens:   NewTokenManager(),
		log:      logger,
		now:      time.Now,
	}
	b.consoleCmds = newConsoleCommands(b)
	b.chatCmds = newChatCommands(b)
	return b
}

// SetPeer attaches the outbound IRC connection.
func (b *Bridge) SetPeer(peer ChatPeer) {
	b.peer = peer
}

// Registry exposes the presence index to the HTTP surface and commands.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// ConsoleCommands returns the dispatcher fed by stdin.
func (b *Bridge) ConsoleCommands() *CommandProcessor {
	return b.consoleCmds
}

// PeerConnected reports whether the IRC side is up.
func (b *Bridge) PeerConnected() bool {
	return b.peer != nil && b.peer.Connected()
}

// PrecheckName runs the admission checks that need no store access, so the
// transport can refuse the handshake before upgrading.
func (b *Bridge) PrecheckName(claimed string) *Rejection {
	name := Canonical(claimed)
	if name == "" {
		return reject(CodeBadMetadata, "A target name is required.")
	}
	if strings.Contains(name, "#") {
		return reject(CodeBadMetadata, "Channels cannot be bridged, only users.")
	}
	if Fold(name) == Fold(b.cfg.BotName) {
		return reject(CodeBadMetadata, "You cannot bridge the bot to itself.")
	}
	return nil
}

// Admit runs the admission pipeline and, on success, registers and returns
// the new session. Failures are *Rejection values carrying the line shown to
// the remote; the transport closes the socket after delivering it.
//
// Store and resolver calls can suspend; nothing before the final Registry.Add
// is trusted to still hold afterwards, which is why Add re-checks the name.
func (b *Bridge) Admit(ctx context.Context, meta Metadata) (*Session, error) {
	if rej := b.PrecheckName(meta.ClaimedName); rej != nil {
		return nil, rej
	}
	name := Canonical(meta.ClaimedName)
	mac := hashFingerprint(meta.MAC)
	now := b.now()

	// Resolve the claimed name to a stable identity.
	identity, err := b.store.GetByName(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		identity, err = b.resolveUnknown(ctx, name)
		if err != nil {
			return nil, err
		}
	default:
		b.log.Error().Err(err).Str("name", name).Msg("identity lookup failed")
		return nil, reject(CodeStoreFault, "The server could not verify your account, try again later.")
	}

	uid := identity.UID

	// Ban check spans uid and both fingerprints.
	if banned, err := b.store.FindMatch(ctx, uid, mac, meta.HWID); err == nil {
		if banned.EffectivelyBanned(now) {
			return nil, reject(CodeBanned, restrictedLine(banned.BanRemaining(now)))
		}
		if banned.Banned {
			// Window elapsed, clear it lazily.
			if err := b.store.ClearBan(ctx, banned.UID); err != nil {
				b.log.Error().Err(err).Int64("uid", banned.UID).Msg("failed to clear elapsed ban")
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		b.log.Error().Err(err).Str("name", name).Msg("ban lookup failed")
		return nil, reject(CodeStoreFault, "The server could not verify your account, try again later.")
	}

	if b.registry.IsOnline(name) {
		return nil, reject(CodeDuplicate, duplicateLine(b.cfg.BotName))
	}

	// Create or refresh the persisted identity.
	existing, err := b.store.GetByUID(ctx, uid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		identity = &store.Identity{
			UID:          uid,
			Username:     name,
			MAC:          mac,
			HWID:         meta.HWID,
			FirstLoginMS: now.UnixMilli(),
			LastLoginMS:  now.UnixMilli(),
		}
		if err := b.store.Create(ctx, identity); err != nil {
			b.log.Error().Err(err).Str("name", name).Msg("failed to create identity")
			return nil, reject(CodeStoreFault, "The server could not record your account, try again later.")
		}
	case err != nil:
		b.log.Error().Err(err).Int64("uid", uid).Msg("identity lookup failed")
		return nil, reject(CodeStoreFault, "The server could not verify your account, try again later.")
	default:
		sinceLast := time.Duration(now.UnixMilli()-existing.LastLoginMS) * time.Millisecond
		if sinceLast < b.cfg.LoginCooldown {
			if err := b.store.SetBan(ctx, uid, mac, meta.HWID, now.UnixMilli(), b.cfg.CooldownBanDuration.Milliseconds()); err != nil {
				b.log.Error().Err(err).Int64("uid", uid).Msg("failed to impose cooldown ban")
			}
			line := restrictedLine(b.cfg.CooldownBanDuration)
			b.sendToIRC(name, line)
			return nil, reject(CodeCooldown, line)
		}
		if err := b.store.UpdateLogin(ctx, uid, name, mac, meta.HWID, now.UnixMilli()); err != nil {
			b.log.Error().Err(err).Int64("uid", uid).Msg("failed to update login")
		}
	}

	// The store calls above may have suspended; Add is the atomic gate that
	// re-validates the single-session invariant.
	s := NewSession(uid, name, mac, meta.HWID, now)
	if !b.registry.Add(s) {
		return nil, reject(CodeDuplicate, duplicateLine(b.cfg.BotName))
	}

	s.armHeartbeat(b.cfg.HeartbeatTimeout, func() {
		b.Evict(s, "No heartbeat received, connection closed.", CloseNormal)
	})

	if b.cfg.WelcomeMessage != "" {
		b.sendToIRC(name, b.cfg.WelcomeMessage)
	}
	if meta.Redirected && b.cfg.RedirectNotice != "" {
		s.Deliver(proto.Notice(b.cfg.RedirectNotice))
	}
	s.Deliver(proto.Notice(fmt.Sprintf("You can send %d messages per minute", b.cfg.MaxMessagesPerMinute)))

	b.log.Info().
		Str("session", s.ID).
		Str("name", name).
		Int64("uid", uid).
		Int("online", b.registry.Len()).
		Msg("session admitted")
	return s, nil
}

// resolveUnknown consults the external lookup when no local record exists.
// Admission is refused unless the canonical name matches the claimed one,
// which defeats spoofing through alternate capitalization or spacing.
func (b *Bridge) resolveUnknown(ctx context.Context, name string) (*store.Identity, error) {
	uid, canonical, err := b.resolver.Resolve(ctx, name)
	if err != nil {
		b.log.Warn().Err(err).Str("name", name).Msg("external name resolution failed")
		return nil, reject(CodeUnknownUser, "No osu! account found for "+name+".")
	}
	if Fold(canonical) != Fold(name) {
		return nil, reject(CodeUnknownUser, "No osu! account found for "+name+".")
	}
	// A renamed user may already have a row under the old name.
	if existing, err := b.store.GetByUID(ctx, uid); err == nil {
		return existing, nil
	}
	return &store.Identity{UID: uid, Username: name}, nil
}

// HandleFrame processes one decoded inbound frame from the session's socket.
// Frames arrive in order from the single read pump per connection.
func (b *Bridge) HandleFrame(s *Session, f proto.Frame) {
	switch f.Kind {
	case proto.KindHeartbeat:
		s.resetHeartbeat(b.cfg.HeartbeatTimeout)
		s.Deliver(proto.HeartbeatAck())

	case proto.KindChat:
		now := b.now()
		s.touch(now)
		if !s.consumeQuota(now, b.cfg.MaxMessagesPerMinute) {
			s.Deliver(proto.Chat("Send too often, please try again later."))
			s.Deliver(proto.Chat("Streaming to many viewers through this bridge may get the bot flooded and silenced by Bancho."))
			return
		}
		text := flattenLines(f.Text)
		if text == "" {
			return
		}
		b.log.Info().Str("name", s.Name).Str("dir", "sync->irc").Msg(text)
		b.sendToIRC(s.Name, text)

	case proto.KindCommand:
		if f.Code == proto.CodeTokenRequest {
			b.handleTokenRequest(s)
		}

	case proto.KindNotice:
		// Notices only ever originate server-side.
		b.log.Warn().Str("name", s.Name).Msg("dropped client-originated notice")
	}
}

// DeliverFromChat routes one inbound IRC private message: escape-prefixed
// lines go to the chat command surface, everything else to the sender's
// session.
func (b *Bridge) DeliverFromChat(ctx context.Context, from, text string) {
	if Fold(from) == Fold(b.cfg.BotName) {
		b.log.Debug().Str("msg", text).Msg("ignored message from self")
		return
	}

	if strings.HasPrefix(text, commandPrefix) {
		line := strings.TrimPrefix(text, commandPrefix)
		b.chatCmds.Dispatch(ctx, from, line, func(reply string) {
			b.sendToIRC(from, reply)
		})
		return
	}

	s, ok := b.registry.Get(from)
	if !ok {
		b.log.Info().Str("name", from).Str("dir", "irc->sync").Msg("dropped message for offline session")
		return
	}
	b.log.Info().Str("name", from).Str("dir", "irc->sync").Msg(text)
	s.Deliver(proto.Chat(text))
}

// Evict force-disconnects a session. Removal and close are each idempotent,
// so racing timer callbacks, sweeps and kicks settle on one winner.
func (b *Bridge) Evict(s *Session, reason string, kind CloseKind) {
	if !b.registry.Remove(s) {
		return
	}
	b.tokens.Drop(s.Name)
	s.CloseWith(reason, kind)
	b.log.Info().
		Str("session", s.ID).
		Str("name", s.Name).
		Str("reason", reason).
		Int("online", b.registry.Len()).
		Msg("session evicted")
}

// HandleClose runs teardown when the transport reports the socket gone. If
// the session was evicted server-side beforehand, this is a no-op.
func (b *Bridge) HandleClose(s *Session) {
	if !b.registry.Remove(s) {
		return
	}
	b.tokens.Drop(s.Name)
	s.CloseWith("connection closed", CloseNormal)
	b.sendToIRC(s.Name, "Your Sync has disconnected from the server.")
	b.log.Info().
		Str("session", s.ID).
		Str("name", s.Name).
		Int("online", b.registry.Len()).
		Msg("session closed")
}

// Run drives the idle sweeper until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.SweepIdle()
		}
	}
}

// SweepIdle disconnects sessions with no relay-worthy traffic beyond the
// inactivity ceiling. Heartbeats do not count: a client that only pings but
// never talks is abandoned as far as the bridge is concerned.
func (b *Bridge) SweepIdle() {
	now := b.now()
	var cleared []string
	for _, s := range b.registry.Sessions() {
		if s.idleFor(now) <= b.cfg.IdleTimeout {
			continue
		}
		minutes := int(b.cfg.IdleTimeout.Minutes())
		b.Evict(s, fmt.Sprintf("You didn't send any messages within %d minutes, the server forced you to go offline.", minutes), CloseNormal)
		cleared = append(cleared, s.Name)
	}
	if len(cleared) > 0 {
		b.log.Info().Strs("names", cleared).Msg("idle sessions cleared")
	}
}

// handleTokenRequest reacts to the binary token-request frame by asking the
// user to confirm over IRC. Repeated requests inside the await window are
// ignored.
func (b *Bridge) handleTokenRequest(s *Session) {
	if !b.tokens.BeginRequest(s.Name, b.now()) {
		return
	}
	b.sendToIRC(s.Name, `Sync wants a token for other services to access the bot. Reply "!assign_token" to generate and send a token to Sync.`)
}

// AssignToken mints the API token after the user confirmed over IRC and
// pushes it down the socket as a binary reply frame.
func (b *Bridge) AssignToken(name string) (string, error) {
	s, ok := b.registry.Get(name)
	if !ok {
		return "", fmt.Errorf("your Sync is offline")
	}
	b.tokens.ClearRequest(s.Name)

	if b.tokens.Issued(s.Name) {
		return "", fmt.Errorf("you have already assigned a token")
	}

	token, err := auth.GenerateToken(&b.cfg.Token, s.UID, s.Name)
	if err != nil {
		b.log.Error().Err(err).Str("name", s.Name).Msg("token generation failed")
		return "", fmt.Errorf("token generation failed")
	}
	b.tokens.Issue(s.Name, token)
	s.Deliver(proto.TokenReply(token))
	b.log.Info().Str("name", s.Name).Msg("token assigned")
	return token, nil
}

// ValidateAPIToken checks a token presented to the out-of-band API: it must
// verify cryptographically and be the one currently issued to that online
// session.
func (b *Bridge) ValidateAPIToken(name, token string) bool {
	issued, ok := b.tokens.Token(name)
	if !ok || issued != token {
		return false
	}
	claims, err := auth.ValidateToken(&b.cfg.Token, token)
	if err != nil {
		return false
	}
	return Fold(claims.Username) == Fold(name)
}

func (b *Bridge) sendToIRC(name, text string) {
	if b.peer == nil {
		return
	}
	b.peer.SendTo(name, text)
}

func hashFingerprint(raw string) string {
	if raw == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func flattenLines(text string) string {
	text = strings.ReplaceAll(text, "\r", " ")
	text = strings.ReplaceAll(text, "\n", " ")
	return strings.TrimSpace(text)
}

func restrictedLine(remaining time.Duration) string {
	minutes := int(remaining / time.Minute)
	seconds := int(remaining/time.Second) - minutes*60
	return fmt.Sprintf("You are restricted! %d minutes %d seconds without restrictions.", minutes, seconds)
}

func duplicateLine(botName string) string {
	return fmt.Sprintf(`This name is already connected! Send "!logout" to %s to log the old session out.`, botName)
}
