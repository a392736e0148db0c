// Package analytics keeps windowed per-job run counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
)

const (
	DefaultWindow    = 5 * time.Minute
	DefaultRetention = 7 * 24 * time.Hour
)

type RedisSink struct {
	client    redis.Cmdable
	window    time.Duration
	retention time.Duration
	logger    *zap.SugaredLogger
}

func NewRedisSink(client redis.Cmdable) *RedisSink {
	return &RedisSink{
		client:    client,
		window:    DefaultWindow,
		retention: DefaultRetention,
		logger:    logging.Nop(),
	}
}

// WithWindow sets the bucket width. Only 1m, 5m and 1h are distinct;
// anything else buckets per minute.
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	s.retention = retention
	return s
}

func (s *RedisSink) WithLogger(logger *zap.SugaredLogger) *RedisSink {
	s.logger = logger
	return s
}

// Write counts event in its job/status bucket and adds its duration to
// the bucket's total.
func (s *RedisSink) Write(ctx context.Context, event domain.RunEvent) error {
	key := BuildKey(event.JobKey, event.Status, event.FinishedAt, s.window)

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "count", 1)
	pipe.HIncrBy(ctx, key, "duration_ms", event.DurationMs)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

// Bucket is one window of counters for a job and status.
type Bucket struct {
	Count      int64
	DurationMs int64
}

// Read returns the bucket holding t. A missing bucket is zero.
func (s *RedisSink) Read(ctx context.Context, jobKey string, status domain.RunStatus, t time.Time) (Bucket, error) {
	key := BuildKey(jobKey, status, t, s.window)
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Bucket{}, fmt.Errorf("read %s: %w", key, err)
	}
	var b Bucket
	fmt.Sscan(vals["count"], &b.Count)
	fmt.Sscan(vals["duration_ms"], &b.DurationMs)
	return b, nil
}

// Record writes event and logs failures. Analytics never fails a run.
func (s *RedisSink) Record(ctx context.Context, event domain.RunEvent) {
	if err := s.Write(ctx, event); err != nil {
		s.logger.Warnf("analytics: write failed for job %s: %v", event.JobKey, err)
	}
}

func BuildKey(jobKey string, status domain.RunStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("runs:j:%s:%s:%s", jobKey, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
