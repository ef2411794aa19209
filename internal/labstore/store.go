// Package labstore persists lab rows in SQLite and is the only writer of lab
// status. Every status change goes through the transition table in package lab.
package labstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labforge/labforge/internal/ids"
	"github.com/labforge/labforge/internal/lab"
	_ "modernc.org/sqlite"
)

const (
	DefaultClaimTTL = 10 * time.Minute

	busyTimeoutMillis = 10000
)

// ErrClaimed is returned when an operator action targets a row a worker is handling.
var ErrClaimed = errors.New("lab is claimed by a worker")

type Options struct {
	Path string
	// MaxActivePerOwner bounds QUEUED+RUNNING rows per owner. Zero disables the check.
	MaxActivePerOwner int
	// ClaimTTL is how long a claim marker blocks other claimers.
	ClaimTTL time.Duration
	Now      func() time.Time
	NewID    func() string
}

type Store struct {
	db       *sql.DB
	quota    int
	claimTTL time.Duration
	now      func() time.Time
	newID    func() string
}

func Open(opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, errors.New("lab database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lab database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open lab database %q: %w", path, err)
	}
	if err := initDB(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise lab database %q: %w", path, err)
	}

	s := &Store{
		db:       db,
		quota:    opts.MaxActivePerOwner,
		claimTTL: opts.ClaimTTL,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.claimTTL <= 0 {
		s.claimTTL = DefaultClaimTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = ids.NewLabID
	}
	return s, nil
}

// Writers take the database lock at BEGIN, so a claim never upgrades from a
// read lock and concurrent processes queue on busy_timeout instead of failing.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path, busyTimeoutMillis)
}

func initDB(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS labs (
	id                   TEXT PRIMARY KEY,
	owner_id             TEXT NOT NULL,
	status               TEXT NOT NULL,
	runtime_kind         TEXT NOT NULL,
	created_at_unix_nano INTEGER NOT NULL,
	updated_at_unix_nano INTEGER NOT NULL,
	started_at_unix_nano INTEGER,
	ended_at_unix_nano   INTEGER,
	expires_at_unix_nano INTEGER,
	resource_ref         TEXT NOT NULL DEFAULT '',
	network_lease_ref    TEXT NOT NULL DEFAULT '',
	stop_reason          TEXT NOT NULL DEFAULT '',
	failure_reason       TEXT NOT NULL DEFAULT '',
	last_error           TEXT NOT NULL DEFAULT '',
	destroy_attempts     INTEGER NOT NULL DEFAULT 0,
	parked               INTEGER NOT NULL DEFAULT 0,
	claimed_by           TEXT NOT NULL DEFAULT '',
	claim_token          TEXT NOT NULL DEFAULT '',
	claimed_at_unix_nano INTEGER,
	version              INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS labs_status_updated ON labs(status, updated_at_unix_nano);
CREATE INDEX IF NOT EXISTS labs_owner_status ON labs(owner_id, status);
`

const labColumns = `id, owner_id, status, runtime_kind,
	created_at_unix_nano, updated_at_unix_nano, started_at_unix_nano, ended_at_unix_nano, expires_at_unix_nano,
	resource_ref, network_lease_ref, stop_reason, failure_reason, last_error,
	destroy_attempts, parked, claimed_by, claimed_at_unix_nano, version`

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create admits a QUEUED lab for ownerID. The quota count and the insert share one
// write transaction, so concurrent creates for the same owner cannot overshoot.
func (s *Store) Create(ctx context.Context, ownerID string, kind lab.RuntimeKind) (lab.Lab, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return lab.Lab{}, errors.New("missing owner id")
	}
	kind, err := lab.ParseRuntimeKind(string(kind))
	if err != nil {
		return lab.Lab{}, err
	}

	var created lab.Lab
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if s.quota > 0 {
			active, err := countActive(ctx, tx, ownerID)
			if err != nil {
				return err
			}
			if active >= s.quota {
				return &lab.QuotaError{Active: active, Limit: s.quota}
			}
		}

		now := s.now().UTC()
		created = lab.Lab{
			ID:          s.newID(),
			OwnerID:     ownerID,
			Status:      lab.StatusQueued,
			RuntimeKind: kind,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO labs (id, owner_id, status, runtime_kind, created_at_unix_nano, updated_at_unix_nano, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)`,
			created.ID, created.OwnerID, string(created.Status), string(created.RuntimeKind), now.UnixNano(), now.UnixNano())
		if err != nil {
			return fmt.Errorf("insert lab: %w", err)
		}
		return nil
	})
	if err != nil {
		return lab.Lab{}, err
	}
	return created, nil
}

func (s *Store) Get(ctx context.Context, id string) (lab.Lab, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+labColumns+` FROM labs WHERE id = ?`, strings.TrimSpace(id))
	l, err := scanLab(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lab.Lab{}, fmt.Errorf("%w: %s", lab.ErrNotFound, id)
	}
	return l, err
}

// ListActive returns the owner's QUEUED and RUNNING labs, oldest first.
func (s *Store) ListActive(ctx context.Context, ownerID string) ([]lab.Lab, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+labColumns+` FROM labs
		WHERE owner_id = ? AND status IN (?, ?)
		ORDER BY created_at_unix_nano, id`,
		strings.TrimSpace(ownerID), string(lab.StatusQueued), string(lab.StatusRunning))
	if err != nil {
		return nil, err
	}
	return collectLabs(rows)
}

func (s *Store) CountActive(ctx context.Context, ownerID string) (int, error) {
	return countActive(ctx, s.db, strings.TrimSpace(ownerID))
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	OwnerID string
	Status  lab.Status
}

// List pages through labs newest first.
func (s *Store) List(ctx context.Context, limit, offset int, filter ListFilter) ([]lab.Lab, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := strings.Builder{}
	query.WriteString(`SELECT ` + labColumns + ` FROM labs WHERE 1=1`)
	args := []any{}
	addFilter(&query, &args, "owner_id", filter.OwnerID)
	addFilter(&query, &args, "status", string(filter.Status))
	query.WriteString(` ORDER BY created_at_unix_nano DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	return collectLabs(rows)
}

// UpdateExpired moves RUNNING labs past their expiry into ENDING and returns how many moved.
func (s *Store) UpdateExpired(ctx context.Context) (int, error) {
	moved := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.now().UTC().UnixNano()
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM labs
			WHERE status = ? AND expires_at_unix_nano IS NOT NULL AND expires_at_unix_nano < ?
			AND (claim_token = '' OR claimed_at_unix_nano < ?)`,
			string(lab.StatusRunning), now, now-s.claimTTL.Nanoseconds())
		if err != nil {
			return err
		}
		expired, err := collectIDs(rows)
		if err != nil {
			return err
		}
		for _, id := range expired {
			res, err := tx.ExecContext(ctx, `
				UPDATE labs SET status = ?, stop_reason = ?,
					updated_at_unix_nano = MAX(?, updated_at_unix_nano + 1), version = version + 1
				WHERE id = ? AND status = ?`,
				string(lab.StatusEnding), StopReasonExpired, now, id, string(lab.StatusRunning))
			if err != nil {
				return fmt.Errorf("expire lab %s: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				moved++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

const (
	StopReasonExpired   = "expired"
	StopReasonRequested = "stop requested"
)

// Stop moves a RUNNING lab, or a QUEUED lab no worker has claimed, into ENDING.
func (s *Store) Stop(ctx context.Context, id, reason string) (lab.Lab, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = StopReasonRequested
	}

	var stopped lab.Lab
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, token, err := loadForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := lab.CheckTransition(current.ID, current.Status, lab.StatusEnding); err != nil {
			return err
		}
		now := s.now().UTC()
		if token != "" && !s.claimExpired(current.ClaimedAt, now) {
			return fmt.Errorf("%w: %s", ErrClaimed, current.ID)
		}
		next := nextUpdatedAt(now, current.UpdatedAt)
		res, err := tx.ExecContext(ctx, `
			UPDATE labs SET status = ?, stop_reason = ?, updated_at_unix_nano = ?, version = version + 1,
				claimed_by = '', claim_token = '', claimed_at_unix_nano = NULL
			WHERE id = ? AND version = ?`,
			string(lab.StatusEnding), reason, next.UnixNano(), current.ID, current.Version)
		if err != nil {
			return fmt.Errorf("stop lab %s: %w", current.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: %s", lab.ErrClaimLost, current.ID)
		}
		stopped = current
		stopped.Status = lab.StatusEnding
		stopped.StopReason = reason
		stopped.UpdatedAt = next
		stopped.Version++
		stopped.ClaimedBy = ""
		stopped.ClaimedAt = nil
		return nil
	})
	if err != nil {
		return lab.Lab{}, err
	}
	return stopped, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lab transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lab transaction: %w", err)
	}
	return nil
}

// ClaimTTL is how long a claim blocks other claimers without a renewal.
func (s *Store) ClaimTTL() time.Duration {
	return s.claimTTL
}

func (s *Store) claimExpired(claimedAt *time.Time, now time.Time) bool {
	return claimedAt == nil || claimedAt.Before(now.Add(-s.claimTTL))
}

// nextUpdatedAt keeps updated_at strictly increasing even when the clock stalls or steps back.
func nextUpdatedAt(now, previous time.Time) time.Time {
	floor := previous.Add(time.Nanosecond)
	if now.Before(floor) {
		return floor.UTC()
	}
	return now.UTC()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func countActive(ctx context.Context, q queryer, ownerID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM labs WHERE owner_id = ? AND status IN (?, ?)`,
		ownerID, string(lab.StatusQueued), string(lab.StatusRunning)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active labs: %w", err)
	}
	return n, nil
}

func loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (lab.Lab, string, error) {
	id = strings.TrimSpace(id)
	var token string
	row := tx.QueryRowContext(ctx, `SELECT `+labColumns+`, claim_token FROM labs WHERE id = ?`, id)
	l, err := scanLab(row, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return lab.Lab{}, "", fmt.Errorf("%w: %s", lab.ErrNotFound, id)
	}
	if err != nil {
		return lab.Lab{}, "", err
	}
	return l, token, nil
}

func scanLab(scanner interface {
	Scan(dest ...any) error
}, extra ...any) (lab.Lab, error) {
	var (
		l         lab.Lab
		status    string
		kind      string
		createdAt int64
		updatedAt int64
		startedAt sql.NullInt64
		endedAt   sql.NullInt64
		expiresAt sql.NullInt64
		parked    int
		claimedAt sql.NullInt64
	)
	dest := []any{
		&l.ID, &l.OwnerID, &status, &kind,
		&createdAt, &updatedAt, &startedAt, &endedAt, &expiresAt,
		&l.ResourceRef, &l.NetworkLeaseRef, &l.StopReason, &l.FailureReason, &l.LastError,
		&l.DestroyAttempts, &parked, &l.ClaimedBy, &claimedAt, &l.Version,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return lab.Lab{}, err
	}
	l.Status = lab.Status(status)
	l.RuntimeKind = lab.RuntimeKind(kind)
	l.CreatedAt = fromUnixNano(createdAt)
	l.UpdatedAt = fromUnixNano(updatedAt)
	l.StartedAt = timePtr(startedAt)
	l.EndedAt = timePtr(endedAt)
	l.ExpiresAt = timePtr(expiresAt)
	l.ClaimedAt = timePtr(claimedAt)
	l.Parked = parked != 0
	return l, nil
}

func collectLabs(rows *sql.Rows) ([]lab.Lab, error) {
	defer rows.Close()
	var out []lab.Lab
	for rows.Next() {
		l, err := scanLab(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func addFilter(query *strings.Builder, args *[]any, column, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	query.WriteString(" AND ")
	query.WriteString(column)
	query.WriteString(" = ?")
	*args = append(*args, value)
}

func fromUnixNano(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixNano(v.Int64)
	return &t
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
