package esi

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/maferick/corpaudit/internal/domain"
)

// Fetcher gets character endpoints through the cache.
type Fetcher struct {
	client *Client
	cache  Cache
	ttl    time.Duration
}

func NewFetcher(client *Client, cache Cache, ttl time.Duration) *Fetcher {
	if cache == nil {
		cache = NoCache{}
	}
	return &Fetcher{client: client, cache: cache, ttl: ttl}
}

// Fetch returns the payload at path for character.
func (f *Fetcher) Fetch(ctx context.Context, character domain.Character, path string) (json.RawMessage, error) {
	data, err := f.cache.GetCached(ctx, path, strconv.FormatInt(character.ID, 10), f.ttl, func(ctx context.Context) ([]byte, error) {
		return f.client.Get(ctx, path, character.AccessToken)
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}
