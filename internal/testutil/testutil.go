// Package testutil holds helpers shared by corpaudit tests.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// Epoch is the reference instant of time-dependent tests.
var Epoch = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced clock. Pass clock.Now wherever a
// component takes a clock function.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestContext returns a context that times out after 5 seconds and is
// cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// DBPath returns a fresh SQLite database path removed with the test.
func DBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "corpaudit.db")
}

func Ptr[T any](v T) *T {
	return &v
}
