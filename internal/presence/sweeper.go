package presence

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Sweeper trims last-active entries older than the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

func NewSweeper(store *Store, retention, interval time.Duration, log *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{store: store, retention: retention, interval: interval, now: time.Now, log: log.With("component", "presence-sweeper")}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.store.SweepLastActive(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("last-active entries removed", "count", n)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.log.Warn("last-active sweep failed", "err", err)
			}
		}
	}
}

// Reconciler takes users offline whose owning instance stopped refreshing
// their lease, for example after a crash.
type Reconciler struct {
	store    *Store
	tracker  *Tracker
	interval time.Duration
	log      *slog.Logger
}

func NewReconciler(store *Store, tracker *Tracker, interval time.Duration, log *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = tracker.Timeout()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, tracker: tracker, interval: interval, log: log.With("component", "presence-reconciler")}
}

// ReconcileOnce returns how many lease-less users were handed to the tracker.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	ids, err := r.store.Online(ctx)
	if err != nil {
		return 0, err
	}
	orphans := 0
	for _, id := range ids {
		leased, err := r.store.HasLease(ctx, id)
		if err != nil {
			return orphans, err
		}
		if leased {
			continue
		}
		if err := r.tracker.ExpireOrphan(ctx, id); err != nil {
			r.log.Warn("orphan expiry failed", "user_id", id, "err", err)
			continue
		}
		orphans++
	}
	return orphans, nil
}

func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.log.Warn("presence reconcile failed", "err", err)
			}
		}
	}
}
