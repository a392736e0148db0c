// Package collector declares, per audit domain, which ESI endpoints to fetch
// for a character and how to reduce the responses to summary fields.
//
// Collectors are pure. They never fetch, check scopes or fail: a missing or
// malformed payload reduces to zero values.
package collector

import (
	"encoding/json"
	"fmt"

	"github.com/maferick/corpaudit/internal/domain"
)

type Collector interface {
	// Key is the stable domain identifier, e.g. "wallet".
	Key() string
	// Scopes lists the authorization scopes a character must have granted
	// before any endpoint is fetched.
	Scopes() []string
	// Endpoints lists the paths to fetch, in the order Summarize expects
	// their payloads.
	Endpoints(characterID int64) []string
	// Summarize reduces payloads, aligned with Endpoints, to fields. A nil
	// entry stands for a payload that could not be fetched.
	Summarize(characterID int64, payloads []json.RawMessage) domain.Fields
}

// collector is one row of the collector table.
type collector struct {
	key       string
	scopes    []string
	paths     []string // formatted with the character id
	summarize func(payloads []json.RawMessage) domain.Fields
}

func (c collector) Key() string {
	return c.key
}

func (c collector) Scopes() []string {
	out := make([]string, len(c.scopes))
	copy(out, c.scopes)
	return out
}

func (c collector) Endpoints(characterID int64) []string {
	out := make([]string, len(c.paths))
	for i, p := range c.paths {
		out[i] = fmt.Sprintf(p, characterID)
	}
	return out
}

func (c collector) Summarize(characterID int64, payloads []json.RawMessage) domain.Fields {
	aligned := make([]json.RawMessage, len(c.paths))
	copy(aligned, payloads)
	return c.summarize(aligned)
}

// All returns every collector in a stable order.
func All() []Collector {
	out := make([]Collector, len(registry))
	for i, c := range registry {
		out[i] = c
	}
	return out
}

// ByKey returns the collector for key.
func ByKey(key string) (Collector, bool) {
	for _, c := range registry {
		if c.key == key {
			return c, true
		}
	}
	return nil, false
}

// Keys returns the collector keys in the order of All.
func Keys() []string {
	keys := make([]string, len(registry))
	for i, c := range registry {
		keys[i] = c.key
	}
	return keys
}
