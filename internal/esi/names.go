package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/maferick/corpaudit/internal/domain"
)

const namesPath = "/universe/names/"

// NamesTTL is how long a resolved name is reused. Names of stations, systems
// and types rarely change.
const NamesTTL = 24 * time.Hour

// Resolver turns ids into names with POST /universe/names/.
type Resolver struct {
	client *Client
	cache  Cache
	ttl    time.Duration
}

func NewResolver(client *Client, cache Cache) *Resolver {
	if cache == nil {
		cache = NoCache{}
	}
	return &Resolver{client: client, cache: cache, ttl: NamesTTL}
}

type nameEntry struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Names resolves each distinct positive id. Ids are resolved one per request
// since ESI rejects the whole batch when any id is unknown. The first error
// stops resolution and is returned with the names resolved so far.
func (r *Resolver) Names(ctx context.Context, ids []int64) ([]domain.EntityName, error) {
	seen := map[int64]bool{}
	var unique []int64
	for _, id := range ids {
		if id > 0 && !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i] < unique[j] })

	names := make([]domain.EntityName, 0, len(unique))
	for _, id := range unique {
		n, err := r.resolve(ctx, id)
		if err != nil {
			return names, fmt.Errorf("resolve %d: %w", id, err)
		}
		names = append(names, n)
	}
	return names, nil
}

func (r *Resolver) resolve(ctx context.Context, id int64) (domain.EntityName, error) {
	data, err := r.cache.GetCached(ctx, namesPath, strconv.FormatInt(id, 10), r.ttl, func(ctx context.Context) ([]byte, error) {
		body, err := json.Marshal([]int64{id})
		if err != nil {
			return nil, err
		}
		return r.client.Post(ctx, namesPath, body)
	})
	if err != nil {
		return domain.EntityName{}, err
	}

	var entries []nameEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return domain.EntityName{}, fmt.Errorf("decode names: %w", err)
	}
	for _, e := range entries {
		if e.ID == id {
			return domain.EntityName{ID: e.ID, Name: e.Name, Category: e.Category}, nil
		}
	}
	return domain.EntityName{}, fmt.Errorf("id %d missing from response", id)
}
