// Package store provides SQLite-backed persistence for monitored accounts
// and their seen-post watermarks.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bluesky-notifier/pkg/notifier"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection. Account identity (DID uniqueness) and
// the account→watermark relationship are enforced by the schema itself, not
// just application code.
type Store struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// WAL for better concurrency between the HTTP API and the poll loop.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{conn: conn, logger: logger}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		did TEXT PRIMARY KEY,
		handle TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 1,
		desktop_enabled INTEGER NOT NULL DEFAULT 1,
		email_enabled INTEGER NOT NULL DEFAULT 0,
		last_checked_at DATETIME,
		fail_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS watermarks (
		did TEXT PRIMARY KEY REFERENCES accounts(did) ON DELETE CASCADE,
		last_seen_post_id TEXT NOT NULL,
		last_seen_at DATETIME NOT NULL
	);
	`
	_, err := s.conn.Exec(schema)
	return err
}

const accountColumns = `did, handle, display_name, avatar_url, is_active,
	desktop_enabled, email_enabled, last_checked_at, fail_count,
	next_attempt_at, created_at, updated_at`

// Add inserts a new monitored account. Returns notifier.ErrDuplicateAccount
// when the DID or handle is already tracked; the existing record is left
// untouched.
func (s *Store) Add(ctx context.Context, acct *notifier.Account) error {
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO accounts (did, handle, display_name, avatar_url, is_active,
			desktop_enabled, email_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.DID, acct.Handle, acct.DisplayName, acct.AvatarURL, acct.Active,
		acct.Prefs.Desktop, acct.Prefs.Email, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", notifier.ErrDuplicateAccount, acct.Handle)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	s.logger.Info("Account added", "did", acct.DID, "handle", acct.Handle,
		"desktop", acct.Prefs.Desktop, "email", acct.Prefs.Email)
	return nil
}

// List returns all accounts in insertion order.
func (s *Store) List(ctx context.Context) ([]*notifier.Account, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// ListActive returns all active accounts in insertion order.
func (s *Store) ListActive(ctx context.Context) ([]*notifier.Account, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE is_active = 1 ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}
	defer rows.Close()
	return scanAccounts(rows)
}

// Get returns the account for a handle, or notifier.ErrNotFound.
func (s *Store) Get(ctx context.Context, handle string) (*notifier.Account, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE handle = ?`, handle)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", notifier.ErrNotFound, handle)
	}
	return acct, err
}

// UpdatePrefs merges a partial preference update into the account. Fields
// absent from the patch keep their prior value.
func (s *Store) UpdatePrefs(ctx context.Context, handle string, patch notifier.PrefsPatch) (*notifier.Account, error) {
	acct, err := s.Get(ctx, handle)
	if err != nil {
		return nil, err
	}

	acct.Prefs = patch.Apply(acct.Prefs)
	acct.UpdatedAt = time.Now().UTC()

	_, err = s.conn.ExecContext(ctx, `
		UPDATE accounts SET desktop_enabled = ?, email_enabled = ?, updated_at = ?
		WHERE did = ?`,
		acct.Prefs.Desktop, acct.Prefs.Email, acct.UpdatedAt, acct.DID)
	if err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}

	s.logger.Info("Preferences updated", "handle", handle,
		"desktop", acct.Prefs.Desktop, "email", acct.Prefs.Email)
	return acct, nil
}

// ToggleActive flips the account's active flag and returns the new state.
// The scheduler picks the change up on its next cycle.
func (s *Store) ToggleActive(ctx context.Context, handle string) (*notifier.Account, error) {
	acct, err := s.Get(ctx, handle)
	if err != nil {
		return nil, err
	}

	acct.Active = !acct.Active
	acct.UpdatedAt = time.Now().UTC()

	_, err = s.conn.ExecContext(ctx,
		`UPDATE accounts SET is_active = ?, updated_at = ? WHERE did = ?`,
		acct.Active, acct.UpdatedAt, acct.DID)
	if err != nil {
		return nil, fmt.Errorf("toggle account: %w", err)
	}

	s.logger.Info("Account toggled", "handle", handle, "is_active", acct.Active)
	return acct, nil
}

// Deactivate marks an account inactive by DID. Used when the remote account
// no longer resolves.
func (s *Store) Deactivate(ctx context.Context, did string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE accounts SET is_active = 0, updated_at = ? WHERE did = ?`,
		time.Now().UTC(), did)
	if err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", notifier.ErrNotFound, did)
	}
	return nil
}

// Remove deletes the account and its watermark atomically (cascade delete).
// Removing an absent account returns notifier.ErrNotFound.
func (s *Store) Remove(ctx context.Context, handle string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM accounts WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", notifier.ErrNotFound, handle)
	}

	s.logger.Info("Account removed", "handle", handle)
	return nil
}

// Watermark returns the seen-post watermark for a DID, or nil when the
// account has never completed a poll.
func (s *Store) Watermark(ctx context.Context, did string) (*notifier.Watermark, error) {
	var wm notifier.Watermark
	var seenAt sql.NullTime
	err := s.conn.QueryRowContext(ctx,
		`SELECT did, last_seen_post_id, last_seen_at FROM watermarks WHERE did = ?`, did).
		Scan(&wm.DID, &wm.LastSeenPostID, &seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if seenAt.Valid {
		wm.LastSeenAt = seenAt.Time
	}
	return &wm, nil
}

// CommitWatermark records postID as the newest processed post for the
// account. A single UPSERT keeps the update atomic: readers never observe a
// half-updated watermark.
func (s *Store) CommitWatermark(ctx context.Context, did, postID string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO watermarks (did, last_seen_post_id, last_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET last_seen_post_id = excluded.last_seen_post_id,
			last_seen_at = excluded.last_seen_at`,
		did, postID, at.UTC())
	if err != nil {
		return fmt.Errorf("commit watermark: %w", err)
	}

	s.logger.Debug("Watermark committed", "did", did, "post_id", postID)
	return nil
}

// MarkChecked records the outcome of a poll attempt. On success the failure
// counter resets and last_checked_at advances; on failure the counter grows
// and the next-allowed-attempt time is pushed out so the backoff survives
// restarts. last_checked_at tracks successful polls only.
func (s *Store) MarkChecked(ctx context.Context, did string, at time.Time, pollErr bool, base time.Duration) error {
	acct := struct {
		failCount int
	}{}
	err := s.conn.QueryRowContext(ctx,
		`SELECT fail_count FROM accounts WHERE did = ?`, did).Scan(&acct.failCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", notifier.ErrNotFound, did)
	}
	if err != nil {
		return fmt.Errorf("load fail count: %w", err)
	}

	if pollErr {
		failCount := acct.failCount + 1
		nextAttempt := at.Add(Backoff(failCount, base)).UTC()
		_, err = s.conn.ExecContext(ctx, `
			UPDATE accounts SET fail_count = ?, next_attempt_at = ?
			WHERE did = ?`,
			failCount, nextAttempt, did)
	} else {
		_, err = s.conn.ExecContext(ctx, `
			UPDATE accounts SET last_checked_at = ?, fail_count = 0, next_attempt_at = NULL
			WHERE did = ?`,
			at.UTC(), did)
	}
	if err != nil {
		return fmt.Errorf("mark checked: %w", err)
	}
	return nil
}

func scanAccounts(rows *sql.Rows) ([]*notifier.Account, error) {
	var accounts []*notifier.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*notifier.Account, error) {
	var acct notifier.Account
	var lastChecked, nextAttempt sql.NullTime
	err := row.Scan(&acct.DID, &acct.Handle, &acct.DisplayName, &acct.AvatarURL,
		&acct.Active, &acct.Prefs.Desktop, &acct.Prefs.Email,
		&lastChecked, &acct.FailCount, &nextAttempt,
		&acct.CreatedAt, &acct.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		acct.LastCheckedAt = lastChecked.Time
	}
	if nextAttempt.Valid {
		acct.NextAttemptAt = nextAttempt.Time
	}
	return &acct, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
