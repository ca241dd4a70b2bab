package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/osusync/pbt-server/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	uid              INTEGER PRIMARY KEY,
	username         TEXT NOT NULL COLLATE NOCASE,
	mac              TEXT NOT NULL DEFAULT '',
	hwid             TEXT NOT NULL DEFAULT '',
	banned           INTEGER NOT NULL DEFAULT 0,
	ban_duration_ms  INTEGER NOT NULL DEFAULT 0,
	ban_date_ms      INTEGER NOT NULL DEFAULT 0,
	first_login_ms   INTEGER NOT NULL,
	last_login_ms    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS identities_username ON identities (username);
`

// SQLiteStore implements store.IdentityStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (and if needed bootstraps) the identity database.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const identityColumns = `uid, username, mac, hwid, banned, ban_duration_ms, ban_date_ms, first_login_ms, last_login_ms`

func scanIdentity(row interface{ Scan(...any) error }) (*store.Identity, error) {
	var id store.Identity
	var banned int
	err := row.Scan(
		&id.UID,
		&id.Username,
		&id.MAC,
		&id.HWID,
		&banned,
		&id.BanDurationMS,
		&id.BanDateMS,
		&id.FirstLoginMS,
		&id.LastLoginMS,
	)
	if err != nil {
		return nil, err
	}
	id.Banned = banned != 0
	return &id, nil
}

// Create inserts a new identity row.
func (s *SQLiteStore) Create(ctx context.Context, id *store.Identity) error {
	query := `
		INSERT INTO identities (uid, username, mac, hwid, banned, ban_duration_ms, ban_date_ms, first_login_ms, last_login_ms)
		VALUES (?, ?, ?, ?, 0, 0, 0, ?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query,
		id.UID, id.Username, id.MAC, id.HWID, id.FirstLoginMS, id.LastLoginMS,
	); err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetByName retrieves an identity by username. The username column is
// COLLATE NOCASE, so the comparison is case-insensitive.
func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*store.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE username = ?`
	id, err := scanIdentity(s.db.QueryRowContext(ctx, query, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query identity by name: %w", err)
	}
	return id, nil
}

// GetByUID retrieves an identity by its osu! user id.
func (s *SQLiteStore) GetByUID(ctx context.Context, uid int64) (*store.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE uid = ?`
	id, err := scanIdentity(s.db.QueryRowContext(ctx, query, uid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query identity by uid: %w", err)
	}
	return id, nil
}

// FindMatch retrieves the identity matching the uid or either non-empty
// fingerprint. Empty fingerprints are excluded from the OR so that clients
// that never supplied one cannot match each other's rows.
func (s *SQLiteStore) FindMatch(ctx context.Context, uid int64, mac, hwid string) (*store.Identity, error) {
	query := `
		SELECT ` + identityColumns + ` FROM identities
		WHERE uid = ?
		   OR (? != '' AND mac = ?)
		   OR (? != '' AND hwid = ?)
		LIMIT 1
	`
	id, err := scanIdentity(s.db.QueryRowContext(ctx, query, uid, mac, mac, hwid, hwid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query identity match: %w", err)
	}
	return id, nil
}

// UpdateLogin refreshes username, fingerprints and last-login time.
func (s *SQLiteStore) UpdateLogin(ctx context.Context, uid int64, username, mac, hwid string, lastLoginMS int64) error {
	query := `
		UPDATE identities SET
			username = ?,
			mac = ?,
			hwid = ?,
			last_login_ms = ?
		WHERE uid = ?
	`
	if _, err := s.db.ExecContext(ctx, query, username, mac, hwid, lastLoginMS, uid); err != nil {
		return fmt.Errorf("update login: %w", err)
	}
	return nil
}

// SetBan opens a ban window on every row matching the uid or either
// non-empty fingerprint.
func (s *SQLiteStore) SetBan(ctx context.Context, uid int64, mac, hwid string, banDateMS, banDurationMS int64) error {
	query := `
		UPDATE identities SET
			banned = 1,
			ban_date_ms = ?,
			ban_duration_ms = ?
		WHERE uid = ?
		   OR (? != '' AND mac = ?)
		   OR (? != '' AND hwid = ?)
	`
	if _, err := s.db.ExecContext(ctx, query, banDateMS, banDurationMS, uid, mac, mac, hwid, hwid); err != nil {
		return fmt.Errorf("set ban: %w", err)
	}
	return nil
}

// ClearBan closes the ban window for one uid.
func (s *SQLiteStore) ClearBan(ctx context.Context, uid int64) error {
	query := `
		UPDATE identities SET
			banned = 0,
			ban_date_ms = 0,
			ban_duration_ms = 0
		WHERE uid = ?
	`
	if _, err := s.db.ExecContext(ctx, query, uid); err != nil {
		return fmt.Errorf("clear ban: %w", err)
	}
	return nil
}

// All lists every known identity in insertion order.
func (s *SQLiteStore) All(ctx context.Context) ([]*store.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities ORDER BY rowid`
	return s.list(ctx, query)
}

// Banned lists identities whose banned flag is set.
func (s *SQLiteStore) Banned(ctx context.Context) ([]*store.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE banned = 1 ORDER BY rowid`
	return s.list(ctx, query)
}

func (s *SQLiteStore) list(ctx context.Context, query string) ([]*store.Identity, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	ids := make([]*store.Identity, 0)
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return ids, nil
}
