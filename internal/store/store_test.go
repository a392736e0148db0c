package store_test

import (
	"github.com/maferick/corpaudit/internal/api"
	"github.com/maferick/corpaudit/internal/audit"
	"github.com/maferick/corpaudit/internal/catalog"
	"github.com/maferick/corpaudit/internal/reconciler"
	"github.com/maferick/corpaudit/internal/runner"
	"github.com/maferick/corpaudit/internal/store"
)

// Store serves every consumer-side interface in the module.
var (
	_ catalog.Store         = (*store.Store)(nil)
	_ runner.Store          = (*store.Store)(nil)
	_ reconciler.Store      = (*store.Store)(nil)
	_ api.Store             = (*store.Store)(nil)
	_ api.HealthChecker     = (*store.Store)(nil)
	_ audit.CharacterSource = (*store.Store)(nil)
	_ audit.SnapshotStore   = (*store.Store)(nil)
)
