// Package audit runs collectors against every audited character and stores
// the reduced fields.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/maferick/corpaudit/internal/collector"
	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/logging"
	"github.com/maferick/corpaudit/internal/metrics"
)

// ParamCharacterID restricts a run to one character.
const ParamCharacterID = "character_id"

type CharacterSource interface {
	AuditCharacters(ctx context.Context) ([]domain.Character, error)
}

// Authorizer decides whether a character may be audited for scopes.
type Authorizer interface {
	HasScopes(ctx context.Context, character domain.Character, scopes []string) (bool, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, character domain.Character, path string) (json.RawMessage, error)
}

type NameResolver interface {
	Names(ctx context.Context, ids []int64) ([]domain.EntityName, error)
}

type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, characterID int64, fields domain.Fields) error
	SaveEntityNames(ctx context.Context, names []domain.EntityName) error
}

// nameFields are the id fields whose names are cached alongside the snapshot.
var nameFields = []string{
	collector.FieldHomeStationID,
	collector.FieldJumpCloneLocationID,
	collector.FieldDeathCloneLocationID,
	collector.FieldLocationSystemID,
	collector.FieldShipTypeID,
}

type Auditor struct {
	characters CharacterSource
	authorizer Authorizer
	fetcher    Fetcher
	resolver   NameResolver // optional
	store      SnapshotStore
	metrics    metrics.Sink
	logger     *zap.SugaredLogger
	clock      func() time.Time
}

func NewAuditor(characters CharacterSource, fetcher Fetcher, store SnapshotStore) *Auditor {
	return &Auditor{
		characters: characters,
		authorizer: GrantedScopes{},
		fetcher:    fetcher,
		store:      store,
		metrics:    metrics.NewNoopSink(),
		logger:     logging.Nop(),
		clock:      time.Now,
	}
}

func (a *Auditor) WithAuthorizer(z Authorizer) *Auditor {
	a.authorizer = z
	return a
}

// WithResolver enables name caching for id fields.
func (a *Auditor) WithResolver(r NameResolver) *Auditor {
	a.resolver = r
	return a
}

func (a *Auditor) WithMetrics(sink metrics.Sink) *Auditor {
	a.metrics = sink
	return a
}

func (a *Auditor) WithLogger(l *zap.SugaredLogger) *Auditor {
	a.logger = l
	return a
}

// tally counts what happened to the characters of one run.
type tally struct {
	characters   int
	audited      int
	skippedScope int
	skippedToken int
	fetchErrors  int
	unreachable  int // characters for which every fetch failed
	lines        []string
}

func (t *tally) logf(format string, args ...any) {
	t.lines = append(t.lines, fmt.Sprintf(format, args...))
}

// Handler audits every character with c. A failing fetch leaves its payload
// empty; a character whose fetches all fail keeps its previous snapshot.
// Storage errors fail the run.
func (a *Auditor) Handler(c collector.Collector) domain.Handler {
	return func(ctx context.Context, params map[string]any) (domain.Result, error) {
		chars, err := a.characters.AuditCharacters(ctx)
		if err != nil {
			return domain.Result{}, fmt.Errorf("list characters: %w", err)
		}
		if id, ok := characterParam(params); ok {
			chars = filterCharacter(chars, id)
		}

		t := &tally{characters: len(chars)}
		for _, ch := range chars {
			if err := ctx.Err(); err != nil {
				return domain.Result{}, err
			}
			if err := a.auditCharacter(ctx, c, ch, t); err != nil {
				return domain.Result{}, err
			}
		}

		res := domain.Result{
			Message: fmt.Sprintf("%s: audited %d/%d characters (%d missing scopes, %d expired tokens, %d fetch errors)",
				c.Key(), t.audited, t.characters, t.skippedScope, t.skippedToken, t.fetchErrors),
			Metrics: map[string]any{
				"characters":    t.characters,
				"audited":       t.audited,
				"skipped_scope": t.skippedScope,
				"skipped_token": t.skippedToken,
				"fetch_errors":  t.fetchErrors,
			},
			LogLines: t.lines,
		}
		if t.audited == 0 && t.unreachable > 0 {
			res.Status = domain.RunStatusFailed
		}
		return res, nil
	}
}

func (a *Auditor) auditCharacter(ctx context.Context, c collector.Collector, ch domain.Character, t *tally) error {
	key := c.Key()

	ok, err := a.authorizer.HasScopes(ctx, ch, c.Scopes())
	if err != nil {
		return fmt.Errorf("check scopes of %d: %w", ch.ID, err)
	}
	if !ok {
		t.skippedScope++
		t.logf("%d: missing scopes", ch.ID)
		a.metrics.CharacterAudited(key, metrics.AuditOutcomeMissingScope)
		return nil
	}
	if !ch.TokenValid(a.clock()) {
		t.skippedToken++
		t.logf("%d: token expired", ch.ID)
		a.metrics.CharacterAudited(key, metrics.AuditOutcomeTokenExpired)
		return nil
	}

	endpoints := c.Endpoints(ch.ID)
	payloads := make([]json.RawMessage, len(endpoints))
	failed := 0
	for i, path := range endpoints {
		raw, err := a.fetcher.Fetch(ctx, ch, path)
		if err != nil {
			failed++
			t.fetchErrors++
			t.logf("%d: fetch %s: %v", ch.ID, path, err)
			continue
		}
		payloads[i] = raw
	}
	if len(endpoints) > 0 && failed == len(endpoints) {
		t.unreachable++
		a.metrics.CharacterAudited(key, metrics.AuditOutcomeFetchError)
		return nil
	}

	fields := c.Summarize(ch.ID, payloads)
	if err := a.cacheNames(ctx, fields, t); err != nil {
		a.metrics.CharacterAudited(key, metrics.AuditOutcomeStoreError)
		return err
	}

	fields[key+"_audited_at"] = a.clock().UTC().Format(time.RFC3339)
	if err := a.store.SaveSnapshot(ctx, ch.ID, fields); err != nil {
		a.metrics.CharacterAudited(key, metrics.AuditOutcomeStoreError)
		return fmt.Errorf("save snapshot of %d: %w", ch.ID, err)
	}

	t.audited++
	a.metrics.CharacterAudited(key, metrics.AuditOutcomeStored)
	return nil
}

// cacheNames resolves the id fields present in fields. Resolution failures are
// logged only; nothing downstream depends on the names.
func (a *Auditor) cacheNames(ctx context.Context, fields domain.Fields, t *tally) error {
	if a.resolver == nil {
		return nil
	}
	var ids []int64
	for _, f := range nameFields {
		if id, ok := fields[f].(int64); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	names, err := a.resolver.Names(ctx, ids)
	if err != nil {
		t.logf("resolve names: %v", err)
	}
	if len(names) == 0 {
		return nil
	}
	if err := a.store.SaveEntityNames(ctx, names); err != nil {
		return fmt.Errorf("save entity names: %w", err)
	}
	return nil
}

// characterParam reads the character id from a run context, which may come
// from JSON.
func characterParam(params map[string]any) (int64, bool) {
	switch v := params[ParamCharacterID].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

func filterCharacter(chars []domain.Character, id int64) []domain.Character {
	for _, c := range chars {
		if c.ID == id {
			return []domain.Character{c}
		}
	}
	return nil
}

// GrantedScopes authorizes a character when its token was granted every
// scope.
type GrantedScopes struct{}

func (GrantedScopes) HasScopes(ctx context.Context, character domain.Character, scopes []string) (bool, error) {
	granted := make(map[string]bool, len(character.Scopes))
	for _, s := range character.Scopes {
		granted[s] = true
	}
	for _, s := range scopes {
		if !granted[s] {
			return false, nil
		}
	}
	return true, nil
}
