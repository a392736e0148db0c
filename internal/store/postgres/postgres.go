// Package postgres supplies the PostgreSQL SQL for the shared store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"time"

	"github.com/lib/pq"

	"github.com/maferick/corpaudit/internal/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// New returns a store backed by PostgreSQL.
func New(db *sql.DB) *store.Store {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return store.New(db, Queries, sub)
}

var Queries = store.Queries{
	CountTables: func(names []string) (string, []any) {
		return queryCountTables, []any{pq.Array(names)}
	},
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
