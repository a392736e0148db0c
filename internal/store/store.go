// Package store implements the job, lock, run history and audit persistence on
// top of database/sql. The SQL itself is supplied per database by the postgres
// and sqlite packages.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/maferick/corpaudit/internal/domain"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// schemaTables must all exist before the runner touches the database.
var schemaTables = []string{"jobs", "job_runs", "job_locks"}

// Queries holds the dialect-specific SQL. Placeholders are positional and each
// query documents its argument order.
type Queries struct {
	// CountTables(names...) -> count of existing tables among names.
	CountTables func(names []string) (string, []any)

	UpsertJob       string // key, name, description, interval_seconds, enabled, now
	DueJobs         string // now, limit
	GetJob          string // key
	ListJobs        string
	RecordJobResult string // key, run_at, status, duration_ms, message, next_run_at, now

	AcquireLock string // key, owner, now, expires_at -> owner
	ReleaseLock string // key, owner

	InsertRun  string // id, key, status, started_at, finished_at, duration_ms, message, trace, metadata
	FinishRun  string // id, status, finished_at, duration_ms, message, trace, metadata
	ListRuns   string // key, limit, offset
	StaleRuns  string // older_than, limit
	AbandonRun string // id, finished_at, duration_ms, message

	AuditCharacters string
	UpsertCharacter string // id, name, scopes, access_token, token_expires_at, enabled, now
	SaveSnapshot    string // character_id, fields, now
	GetSnapshot     string // character_id -> fields, updated_at
	SaveEntityName  string // id, name, category, now
}

type Store struct {
	db         *sql.DB
	q          Queries
	migrations fs.FS
	clock      func() time.Time
}

// New wraps db. migrations holds the *.sql files applied by Migrate, in name
// order.
func New(db *sql.DB, q Queries, migrations fs.FS) *Store {
	return &Store{
		db:         db,
		q:          q,
		migrations: migrations,
		clock:      time.Now,
	}
}

// WithClock overrides the clock used for bookkeeping timestamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate applies every embedded migration. Migrations are written to be
// re-runnable.
func (s *Store) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(s.migrations, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(s.migrations, e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		stmt := strings.TrimSpace(string(content))
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// SchemaReady reports whether the job, run and lock tables exist.
func (s *Store) SchemaReady(ctx context.Context) (bool, error) {
	query, args := s.q.CountTables(schemaTables)
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n == len(schemaTables), nil
}

// UpsertJob inserts def or refreshes its name, description and interval. The
// enabled flag and runtime fields of an existing row are left alone.
func (s *Store) UpsertJob(ctx context.Context, def domain.Definition) error {
	_, err := s.db.ExecContext(ctx, s.q.UpsertJob,
		def.Key,
		def.Name,
		def.Description,
		def.IntervalSeconds(),
		def.Enabled,
		s.now(),
	)
	return err
}

func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q.DueJobs, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *Store) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q.ListJobs)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// GetJob returns ErrNotFound for an unknown key.
func (s *Store) GetJob(ctx context.Context, key string) (domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.q.GetJob, key)
	if err != nil {
		return domain.Job{}, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return domain.Job{}, err
	}
	if len(jobs) == 0 {
		return domain.Job{}, ErrNotFound
	}
	return jobs[0], nil
}

func (s *Store) RecordJobResult(ctx context.Context, res domain.JobResult) error {
	_, err := s.db.ExecContext(ctx, s.q.RecordJobResult,
		res.Key,
		res.RunAt.UTC(),
		string(res.Status),
		res.DurationMs,
		res.Message,
		res.NextRunAt.UTC(),
		s.now(),
	)
	return err
}

// AcquireLock takes the lock in a single statement: the row is inserted, or
// overwritten only if it has expired. The lock is ours iff the statement
// returns our token.
func (s *Store) AcquireLock(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	var got string
	err := s.db.QueryRowContext(ctx, s.q.AcquireLock, key, owner, now.UTC(), expiresAt.UTC()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == owner, nil
}

func (s *Store) ReleaseLock(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, s.q.ReleaseLock, key, owner)
	return err
}

func (s *Store) InsertRun(ctx context.Context, run domain.Run) error {
	md, err := encodeMetadata(run.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q.InsertRun,
		run.ID,
		run.JobKey,
		string(run.Status),
		run.StartedAt.UTC(),
		nullTime(run.FinishedAt),
		run.DurationMs,
		run.Message,
		nullString(run.Trace),
		md,
	)
	return err
}

func (s *Store) FinishRun(ctx context.Context, run domain.Run) error {
	md, err := encodeMetadata(run.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q.FinishRun,
		run.ID,
		string(run.Status),
		nullTime(run.FinishedAt),
		run.DurationMs,
		run.Message,
		nullString(run.Trace),
		md,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

// ListRuns returns the runs of key, newest first.
func (s *Store) ListRuns(ctx context.Context, key string, limit, offset int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q.ListRuns, key, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// StaleRuns returns runs still marked running that started before olderThan,
// oldest first.
func (s *Store) StaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.q.StaleRuns, olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// AbandonRun fails a run that is still running. It reports false when the run
// reached a terminal state in the meantime.
func (s *Store) AbandonRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, durationMs int64, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q.AbandonRun, id, finishedAt.UTC(), durationMs, message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AuditCharacters returns the characters enabled for auditing.
func (s *Store) AuditCharacters(ctx context.Context) ([]domain.Character, error) {
	rows, err := s.db.QueryContext(ctx, s.q.AuditCharacters)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Character
	for rows.Next() {
		var c domain.Character
		var scopes string
		var token sql.NullString
		var expires sql.NullTime
		if err := rows.Scan(&c.ID, &c.Name, &scopes, &token, &expires); err != nil {
			return nil, err
		}
		c.Scopes = strings.Fields(scopes)
		c.AccessToken = token.String
		if expires.Valid {
			c.TokenExpiresAt = expires.Time
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertCharacter stores the token and scopes of a character. Tokens are
// refreshed by the login flow, not by this service.
func (s *Store) UpsertCharacter(ctx context.Context, c domain.Character, enabled bool) error {
	var expires any
	if !c.TokenExpiresAt.IsZero() {
		expires = c.TokenExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q.UpsertCharacter,
		c.ID,
		c.Name,
		strings.Join(c.Scopes, " "),
		nullString(c.AccessToken),
		expires,
		enabled,
		s.now(),
	)
	return err
}

// SaveSnapshot merges fields into the character's audit record. Keys absent
// from fields keep their previous values.
func (s *Store) SaveSnapshot(ctx context.Context, characterID int64, fields domain.Fields) error {
	if len(fields) == 0 {
		return nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q.SaveSnapshot, characterID, string(b), s.now())
	return err
}

// GetSnapshot returns the merged audit record of a character. Numbers decode
// as json.Number.
func (s *Store) GetSnapshot(ctx context.Context, characterID int64) (domain.Fields, time.Time, error) {
	var raw []byte
	var updated time.Time
	err := s.db.QueryRowContext(ctx, s.q.GetSnapshot, characterID).Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	fields := domain.Fields{}
	if err := dec.Decode(&fields); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return fields, updated, nil
}

// SaveEntityNames caches resolved names in one transaction.
func (s *Store) SaveEntityNames(ctx context.Context, names []domain.EntityName) error {
	if len(names) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.now()
	for _, n := range names {
		if _, err := tx.ExecContext(ctx, s.q.SaveEntityName, n.ID, n.Name, n.Category, now); err != nil {
			return fmt.Errorf("save entity %d: %w", n.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		var j domain.Job
		var lastRun, nextRun sql.NullTime
		var lastStatus, lastMessage sql.NullString
		var lastDuration sql.NullInt64

		err := rows.Scan(
			&j.Key,
			&j.Name,
			&j.Description,
			&j.IntervalSeconds,
			&j.Enabled,
			&lastRun,
			&lastStatus,
			&lastDuration,
			&lastMessage,
			&nextRun,
		)
		if err != nil {
			return nil, err
		}
		if lastRun.Valid {
			t := lastRun.Time.UTC()
			j.LastRunAt = &t
		}
		if nextRun.Valid {
			t := nextRun.Time.UTC()
			j.NextRunAt = &t
		}
		j.LastStatus = domain.RunStatus(lastStatus.String)
		j.LastDurationMs = lastDuration.Int64
		j.LastMessage = lastMessage.String
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanRuns(rows *sql.Rows) ([]domain.Run, error) {
	defer rows.Close()

	var result []domain.Run
	for rows.Next() {
		var r domain.Run
		var status string
		var finished sql.NullTime
		var trace sql.NullString
		var md []byte

		err := rows.Scan(
			&r.ID,
			&r.JobKey,
			&status,
			&r.StartedAt,
			&finished,
			&r.DurationMs,
			&r.Message,
			&trace,
			&md,
		)
		if err != nil {
			return nil, err
		}
		r.Status = domain.RunStatus(status)
		r.StartedAt = r.StartedAt.UTC()
		if finished.Valid {
			t := finished.Time.UTC()
			r.FinishedAt = &t
		}
		r.Trace = trace.String
		if len(md) > 0 {
			if err := json.Unmarshal(md, &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of run %s: %w", r.ID, err)
			}
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func encodeMetadata(md map[string]any) (string, error) {
	if md == nil {
		md = map[string]any{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("encode run metadata: %w", err)
	}
	return string(b), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
