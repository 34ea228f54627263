// Package session keeps the browser's access/refresh token pair server-side.
// The cookie carries only an opaque id; the pair lives in the shared cache.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"joblance-gateway/internal/cache"
)

const keyPrefix = "session:"

type Data struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (d Data) Empty() bool { return d.AccessToken == "" && d.RefreshToken == "" }

type Store struct {
	cache cache.Store
	ttl   time.Duration
}

func NewStore(c cache.Store, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Store{cache: c, ttl: ttl}
}

func (s *Store) Load(ctx context.Context, id string) (Data, bool, error) {
	if id == "" {
		return Data{}, false, nil
	}
	raw, found, err := s.cache.Get(ctx, keyPrefix+id)
	if err != nil || !found {
		return Data{}, false, err
	}
	var d Data
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Data{}, false, fmt.Errorf("session %s: decode: %w", id, err)
	}
	return d, true, nil
}

func (s *Store) Save(ctx context.Context, id string, d Data) error {
	if id == "" {
		return errors.New("session id is required")
	}
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.cache.SetEx(ctx, keyPrefix+id, string(b), s.ttl)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return s.cache.Delete(ctx, keyPrefix+id)
}

func (s *Store) TTL() time.Duration { return s.ttl }
