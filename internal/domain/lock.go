package domain

import "time"

// Lock is the mutual-exclusion row for a job key. A lock is free when absent or
// when ExpiresAt has passed.
type Lock struct {
	JobKey    string
	Owner     string
	LockedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the lock can be taken over at now.
func (l Lock) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}
