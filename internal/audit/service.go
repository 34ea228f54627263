package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: there are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, clock: time.Now, log: log.With("component", "audit")}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends e and logs instead of returning a failure. A nil Service
// records nothing.
func (s *Service) Record(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "type", e.Type, "err", err)
	}
}

func (s *Service) SignedIn(ctx context.Context, userID, ip string) {
	s.Record(ctx, Event{Type: EventTypeSignedIn, SubjectUserID: userID, IPAddress: ip})
}

func (s *Service) TokenRevoked(ctx context.Context, userID, jti, ip string) {
	s.Record(ctx, Event{Type: EventTypeTokenRevoked, SubjectUserID: userID, TokenID: jti, IPAddress: ip, Message: "logout"})
}

func (s *Service) Refreshed(ctx context.Context, userID, ip string) {
	s.Record(ctx, Event{Type: EventTypeRefreshed, SubjectUserID: userID, IPAddress: ip})
}

func (s *Service) RefreshFailed(ctx context.Context, userID, ip, reason string) {
	s.Record(ctx, Event{Type: EventTypeRefreshFailed, SubjectUserID: userID, IPAddress: ip, Message: reason})
}
