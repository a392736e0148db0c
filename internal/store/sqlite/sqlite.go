// Package sqlite supplies the SQLite SQL for the shared store. It suits a
// single node; every process sharing the file still coordinates through the
// lock table.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maferick/corpaudit/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Open opens the database file at path. Writers wait on a busy database rather
// than failing.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_busy_timeout=5000&_journal_mode=WAL"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// New returns a store backed by SQLite.
func New(db *sql.DB) *store.Store {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return store.New(db, Queries, sub)
}

var Queries = store.Queries{
	CountTables:     countTables,
	UpsertJob:       queryUpsertJob,
	DueJobs:         queryDueJobs,
	GetJob:          queryGetJob,
	ListJobs:        queryListJobs,
	RecordJobResult: queryRecordJobResult,
	AcquireLock:     queryAcquireLock,
	ReleaseLock:     queryReleaseLock,
	InsertRun:       queryInsertRun,
	FinishRun:       queryFinishRun,
	ListRuns:        queryListRuns,
	StaleRuns:       queryStaleRuns,
	AbandonRun:      queryAbandonRun,
	AuditCharacters: queryAuditCharacters,
	UpsertCharacter: queryUpsertCharacter,
	SaveSnapshot:    querySaveSnapshot,
	GetSnapshot:     queryGetSnapshot,
	SaveEntityName:  querySaveEntityName,
}

func countTables(names []string) (string, []any) {
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, n := range names {
		marks[i] = fmt.Sprintf("?%d", i+1)
		args[i] = n
	}
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN (" + strings.Join(marks, ", ") + ")"
	return query, args
}
