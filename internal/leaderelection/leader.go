// Package leaderelection elects one instance to run singleton duties such
// as reconciling abandoned runs.
//
// The Postgres locker holds a session-scoped advisory lock on a dedicated
// connection. There is no TTL: if the connection dies, Postgres releases
// the lock server-side. The heartbeat ping only detects local connection
// death so the leader can stop its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/logging"
)

// MetricsSink records leader election metrics.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
}

// Session is a held leadership lock.
type Session interface {
	Ping(ctx context.Context) error
	Close() error
}

// Locker makes one non-blocking attempt at the leader lock. A nil Session
// with a nil error means another instance holds it.
type Locker interface {
	TryLock(ctx context.Context) (Session, error)
}

// Elector runs the election loop.
type Elector struct {
	locker            Locker
	retryInterval     time.Duration // follower: how often to attempt lock acquisition
	heartbeatInterval time.Duration // leader: how often to ping the session
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional
	logger            *zap.SugaredLogger
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// Its context is cancelled when leadership is lost.
//
// onDemoted is called synchronously when leadership is lost and must block
// until leader duties have stopped. It must be idempotent.
func New(locker Locker, retryInterval, heartbeatInterval time.Duration, onElected func(ctx context.Context), onDemoted func()) *Elector {
	return &Elector{
		locker:            locker,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
		logger:            logging.Nop(),
	}
}

func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

func (e *Elector) WithLogger(l *zap.SugaredLogger) *Elector {
	e.logger = l
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.logger.Infof("leader: starting election loop (retry=%s, heartbeat=%s)", e.retryInterval, e.heartbeatInterval)

	for {
		if ctx.Err() != nil {
			e.logger.Info("leader: election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			e.logger.Info("leader: election loop stopped")
			return
		}

		if reason != "" {
			e.logger.Warnf("leader: lost leadership (reason=%s), will retry in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("leader: election loop stopped")
			return
		case <-time.After(e.retryInterval):
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if the lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	session, err := e.locker.TryLock(ctx)
	if err != nil {
		e.logger.Warnf("leader: lock attempt failed: %v", err)
		return ""
	}
	if session == nil {
		e.logger.Debugf("leader: lock held by another instance, retrying in %s", e.retryInterval)
		return ""
	}
	defer session.Close()

	e.logger.Info("leader: acquired leader lock")
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)
	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx, session)

	cancelLeader()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
	}

	e.logger.Info("leader: released leader lock")
	return reason
}

// holdLock blocks while pinging the session.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context, session Session) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := session.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				e.logger.Warnf("leader: session ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}

// PostgresLocker takes pg_try_advisory_lock on a dedicated connection.
type PostgresLocker struct {
	db  *sql.DB
	key int64
}

func NewPostgresLocker(db *sql.DB, key int64) *PostgresLocker {
	return &PostgresLocker{db: db, key: key}
}

func (l *PostgresLocker) TryLock(ctx context.Context) (Session, error) {
	// Advisory locks are session-scoped: the lock lives as long as conn.
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("dedicated connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.key).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock query: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, nil
	}
	return &pgSession{conn: conn, key: l.key}, nil
}

type pgSession struct {
	conn *sql.Conn
	key  int64
}

func (s *pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks explicitly before returning the connection to the pool, so
// a pooled connection never carries the lock.
func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, unlockErr := s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", s.key)
	closeErr := s.conn.Close()
	if unlockErr != nil {
		return fmt.Errorf("advisory unlock: %w", unlockErr)
	}
	return closeErr
}

// Always returns a Locker that grants leadership immediately. Single-node
// deployments (sqlite) use it.
type Always struct{}

func (Always) TryLock(ctx context.Context) (Session, error) {
	return noopSession{}, nil
}

type noopSession struct{}

func (noopSession) Ping(ctx context.Context) error { return nil }
func (noopSession) Close() error                   { return nil }
