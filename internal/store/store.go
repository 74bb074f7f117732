// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for users and track metadata.
// Ciphertext blobs and HLS artifacts live on disk; only their paths and
// integrity hashes are recorded here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on unique constraint violations
	// (duplicate email, duplicate track).
	ErrDuplicate = errors.New("store: duplicate")
)

// User is an account row. PasswordHash and MFASecret never leave the
// server process; API responses use their own view types.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	MFASecret    []byte // AES-GCM sealed TOTP secret; nil when 2FA is off
	CreatedAt    time.Time
}

// Track is a track metadata row. Immutable after creation except Title and
// IsPublic.
type Track struct {
	ID             string
	OwnerID        string
	Title          string
	IsPublic       bool
	CiphertextPath string
	ContentHash    string // SHA-256 of the original upload, hex
	SegmentSalt    []byte // CSPRNG salt for segment key derivation
	CreatedAt      time.Time
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// New opens the database, applies pragmas for a read-heavy workload, and
// runs migrations.
func New(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		mfa_secret BLOB,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tracks (
		track_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL,
		is_public INTEGER NOT NULL DEFAULT 0,
		ciphertext_path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		segment_salt BLOB NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner_id, content_hash)
	);

	CREATE INDEX IF NOT EXISTS idx_tracks_owner ON tracks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_tracks_public ON tracks(is_public);
	`
	_, err := s.db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts a new user. Returns ErrDuplicate when the email is
// already registered.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, name, email, password_hash, mfa_secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.MFASecret, u.CreatedAt.UTC().Format(time.RFC3339))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// UserByEmail loads a user by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, name, email, password_hash, mfa_secret, created_at
		FROM users WHERE email = ?`, email))
}

// UserByID loads a user by ID.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT user_id, name, email, password_hash, mfa_secret, created_at
		FROM users WHERE user_id = ?`, id))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.MFASecret, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

// UpdatePasswordHash replaces a user's password hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE user_id = ?`, hash, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMFASecret stores a sealed TOTP secret, or clears 2FA when sealed is
// nil.
func (s *Store) SetMFASecret(ctx context.Context, userID string, sealed []byte) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET mfa_secret = ? WHERE user_id = ?`, sealed, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateTrack inserts a track row. Returns ErrDuplicate when the owner
// already uploaded identical content.
func (s *Store) CreateTrack(ctx context.Context, tr *Track) error {
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	isPublic := 0
	if tr.IsPublic {
		isPublic = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (track_id, owner_id, title, is_public, ciphertext_path, content_hash, segment_salt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.OwnerID, tr.Title, isPublic, tr.CiphertextPath, tr.ContentHash, tr.SegmentSalt,
		tr.CreatedAt.UTC().Format(time.RFC3339))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// TrackByID loads a track by ID.
func (s *Store) TrackByID(ctx context.Context, id string) (*Track, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT track_id, owner_id, title, is_public, ciphertext_path, content_hash, segment_salt, created_at
		FROM tracks WHERE track_id = ?`, id)
	return scanTrack(row)
}

func scanTrack(row *sql.Row) (*Track, error) {
	var tr Track
	var isPublic int
	var createdAt string
	err := row.Scan(&tr.ID, &tr.OwnerID, &tr.Title, &isPublic, &tr.CiphertextPath, &tr.ContentHash, &tr.SegmentSalt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tr.IsPublic = isPublic != 0
	tr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &tr, nil
}

// PublicTracks lists all public tracks, newest first.
func (s *Store) PublicTracks(ctx context.Context) ([]Track, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT track_id, owner_id, title, is_public, ciphertext_path, content_hash, segment_salt, created_at
		FROM tracks WHERE is_public = 1 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tracks []Track
	for rows.Next() {
		var tr Track
		var isPublic int
		var createdAt string
		if err := rows.Scan(&tr.ID, &tr.OwnerID, &tr.Title, &isPublic, &tr.CiphertextPath, &tr.ContentHash, &tr.SegmentSalt, &createdAt); err != nil {
			return nil, err
		}
		tr.IsPublic = isPublic != 0
		tr.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		tracks = append(tracks, tr)
	}
	return tracks, rows.Err()
}

// UpdateTrack changes the mutable track fields (title, visibility).
func (s *Store) UpdateTrack(ctx context.Context, trackID, title string, isPublic bool) error {
	pub := 0
	if isPublic {
		pub = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tracks SET title = ?, is_public = ? WHERE track_id = ?`, title, pub, trackID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTrack removes the metadata row. Callers are responsible for
// removing the ciphertext blob and HLS artifacts.
func (s *Store) DeleteTrack(ctx context.Context, trackID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracks WHERE track_id = ?`, trackID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
