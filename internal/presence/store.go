// Package presence tracks which users are online. A user is online while
// heartbeats keep arriving; the inactivity timer, not the socket, decides
// when they go offline.
package presence

import (
	"context"
	"strconv"
	"time"

	"joblance-gateway/internal/cache"
)

const (
	OnlineSetKey  = "loggedInUsers"
	LastActiveKey = "user:last-active:zset"

	leaseKeyPrefix = "presence:lease:"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// StatusChange is broadcast on every online/offline transition. Timestamp
// is in unix seconds.
type StatusChange struct {
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// UserStatus is one entry of a batch status lookup. LastActive stays nil
// until the user has gone offline at least once.
type UserStatus struct {
	UserID     string `json:"userId"`
	Status     Status `json:"status"`
	LastActive *int64 `json:"lastActive,omitempty"`
}

// Store is the presence view of the shared cache: the online set is the
// authoritative flag, the last-active zset is written only on the offline
// transition.
type Store struct {
	cache cache.Store
}

func NewStore(c cache.Store) *Store { return &Store{cache: c} }

func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.cache.SIsMember(ctx, OnlineSetKey, userID)
}

func (s *Store) MarkOnline(ctx context.Context, userID string) error {
	return s.cache.SAdd(ctx, OnlineSetKey, userID)
}

func (s *Store) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	if err := s.cache.SRem(ctx, OnlineSetKey, userID); err != nil {
		return err
	}
	return s.cache.ZAdd(ctx, LastActiveKey, userID, float64(at.Unix()))
}

func (s *Store) Online(ctx context.Context) ([]string, error) {
	return s.cache.SMembers(ctx, OnlineSetKey)
}

func (s *Store) Statuses(ctx context.Context, userIDs []string) ([]UserStatus, error) {
	out := make([]UserStatus, 0, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	online, err := s.cache.SMIsMember(ctx, OnlineSetKey, userIDs...)
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		st := UserStatus{UserID: id, Status: StatusOffline}
		if i < len(online) && online[i] {
			st.Status = StatusOnline
		}
		score, found, err := s.cache.ZScore(ctx, LastActiveKey, id)
		if err != nil {
			return nil, err
		}
		if found {
			v := int64(score)
			st.LastActive = &v
		}
		out = append(out, st)
	}
	return out, nil
}

// RefreshLease records that some instance is still receiving heartbeats
// for userID.
func (s *Store) RefreshLease(ctx context.Context, userID string, ttl time.Duration) error {
	return s.cache.SetEx(ctx, leaseKeyPrefix+userID, "1", ttl)
}

func (s *Store) HasLease(ctx context.Context, userID string) (bool, error) {
	return s.cache.Exists(ctx, leaseKeyPrefix+userID)
}

// SweepLastActive drops last-active entries older than cutoff.
func (s *Store) SweepLastActive(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.cache.ZRemRangeByScore(ctx, LastActiveKey, "-inf", strconv.FormatInt(cutoff.Unix(), 10))
}
