package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no identity matches the lookup.
var ErrNotFound = errors.New("identity not found")

// Identity is the persisted record of a known user. Rows are created on the
// first successful admission and updated on every later login; they are never
// deleted. Timestamps and durations are stored as milliseconds, matching the
// layout the Sync plugin has always used.
type Identity struct {
	UID           int64
	Username      string
	MAC           string
	HWID          string
	Banned        bool
	BanDurationMS int64
	BanDateMS     int64
	FirstLoginMS  int64
	LastLoginMS   int64
}

// EffectivelyBanned reports whether the ban window is still open at now.
func (id *Identity) EffectivelyBanned(now time.Time) bool {
	if !id.Banned {
		return false
	}
	return now.UnixMilli() < id.BanDateMS+id.BanDurationMS
}

// BanRemaining returns how long the ban window has left at now, zero if none.
func (id *Identity) BanRemaining(now time.Time) time.Duration {
	if !id.Banned {
		return 0
	}
	left := id.BanDateMS + id.BanDurationMS - now.UnixMilli()
	if left < 0 {
		left = 0
	}
	return time.Duration(left) * time.Millisecond
}

// Ban opens a ban window starting at now.
func (id *Identity) Ban(now time.Time, d time.Duration) {
	id.Banned = true
	id.BanDateMS = now.UnixMilli()
	id.BanDurationMS = d.Milliseconds()
}

// Unban closes any ban window.
func (id *Identity) Unban() {
	id.Banned = false
	id.BanDateMS = 0
	id.BanDurationMS = 0
}

// IdentityStore persists identities. Usernames compare case-insensitively.
type IdentityStore interface {
	// Create inserts a new identity row.
	Create(ctx context.Context, id *Identity) error

	// GetByName retrieves an identity by username, case-insensitively.
	GetByName(ctx context.Context, name string) (*Identity, error)

	// GetByUID retrieves an identity by its stable osu! user id.
	GetByUID(ctx context.Context, uid int64) (*Identity, error)

	// FindMatch retrieves the identity matching the uid or either
	// non-empty fingerprint, whichever hits first.
	FindMatch(ctx context.Context, uid int64, mac, hwid string) (*Identity, error)

	// UpdateLogin refreshes username, fingerprints and last-login time.
	UpdateLogin(ctx context.Context, uid int64, username, mac, hwid string, lastLoginMS int64) error

	// SetBan opens a ban window on every row matching the uid or either
	// non-empty fingerprint.
	SetBan(ctx context.Context, uid int64, mac, hwid string, banDateMS, banDurationMS int64) error

	// ClearBan closes the ban window for one uid.
	ClearBan(ctx context.Context, uid int64) error

	// All lists every known identity in insertion order.
	All(ctx context.Context) ([]*Identity, error)

	// Banned lists identities whose banned flag is set, including rows
	// whose window has already elapsed.
	Banned(ctx context.Context) ([]*Identity, error)

	// Close closes the underlying database connection.
	Close() error
}
