package audit

import (
	"fmt"
	"time"

	"github.com/maferick/corpaudit/internal/catalog"
	"github.com/maferick/corpaudit/internal/collector"
	"github.com/maferick/corpaudit/internal/domain"
)

// JobPrefix prefixes the job key of every collector.
const JobPrefix = "audit."

// DefaultIntervals follow how long ESI caches each endpoint.
var DefaultIntervals = map[string]time.Duration{
	"assets":     time.Hour,
	"clones":     time.Hour,
	"location":   5 * time.Minute,
	"roles":      time.Hour,
	"ship":       5 * time.Minute,
	"skillqueue": time.Hour,
	"skills":     time.Hour,
	"wallet":     15 * time.Minute,
}

// JobKey returns the job key for a collector key.
func JobKey(collectorKey string) string {
	return JobPrefix + collectorKey
}

// RegisterJobs registers one job per collector. schedules overrides the
// interval per collector key.
func RegisterJobs(reg *catalog.Registry, a *Auditor, schedules map[string]time.Duration) {
	for _, c := range collector.All() {
		interval := DefaultIntervals[c.Key()]
		if d, ok := schedules[c.Key()]; ok && d > 0 {
			interval = d
		}
		if interval <= 0 {
			interval = time.Hour
		}
		reg.Register(domain.Definition{
			Key:         JobKey(c.Key()),
			Name:        fmt.Sprintf("Audit %s", c.Key()),
			Description: fmt.Sprintf("Collects %s for every audited character", c.Key()),
			Interval:    interval,
			Enabled:     true,
			Handler:     a.Handler(c),
		})
	}
}
