package auth

import (
	"context"
	"errors"
	"time"

	"joblance-gateway/internal/cache"
)

const revokedKeyPrefix = "blacklist:access:"

// RevocationStore records revoked access-token ids. An entry lives exactly
// as long as the token it revokes would have.
type RevocationStore struct {
	cache cache.Store
}

func NewRevocationStore(c cache.Store) *RevocationStore {
	return &RevocationStore{cache: c}
}

// Revoke blacklists jti for ttl. A token with no remaining lifetime is
// already unusable, so a non-positive ttl writes nothing.
func (r *RevocationStore) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return errors.New("revoke: jti is required")
	}
	if ttl <= 0 {
		return nil
	}
	return r.cache.SetEx(ctx, revokedKeyPrefix+jti, "1", ttl)
}

func (r *RevocationStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r.cache.Exists(ctx, revokedKeyPrefix+jti)
}
