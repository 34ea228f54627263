package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"joblance-gateway/internal/metrics"
)

var (
	ErrClosed    = errors.New("presence: tracker closed")
	ErrQueueFull = errors.New("presence: user action queue full")
)

const (
	DefaultTimeout   = 60 * time.Second
	defaultQueueSize = 64
	actionTimeout    = 5 * time.Second
	// expiryRetry spaces out offline attempts while the user's queue is full.
	expiryRetry = time.Second
)

// Broadcaster delivers status changes to the subject's watchers.
type Broadcaster interface {
	PublishStatus(ctx context.Context, change StatusChange) error
}

type Options struct {
	Store       *Store
	Broadcaster Broadcaster
	Timeout     time.Duration
	QueueSize   int
	Clock       Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

type action struct {
	name string
	run  func(ctx context.Context) error
	done chan error
}

type armed struct {
	timer Timer
	gen   uint64
}

// Tracker owns the per-user action queues and inactivity timers of one
// gateway instance. Every mutation for a user runs on that user's queue,
// strictly after the previous one has settled.
type Tracker struct {
	store     *Store
	bc        Broadcaster
	timeout   time.Duration
	queueSize int
	clock     Clock
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	queues  map[string]chan action
	timers  map[string]armed
	nextGen uint64
	closed  bool
	wg      sync.WaitGroup
}

func NewTracker(opts Options) (*Tracker, error) {
	if opts.Store == nil {
		return nil, errors.New("presence: store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		store:     opts.Store,
		bc:        opts.Broadcaster,
		timeout:   opts.Timeout,
		queueSize: opts.QueueSize,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "presence"),
		metrics:   opts.Metrics,
		queues:    make(map[string]chan action),
		timers:    make(map[string]armed),
	}, nil
}

func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Heartbeat marks userID online, broadcasting the transition when the user
// was offline, and re-arms the inactivity timer. It returns once the action
// has run on the user's queue.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) error {
	done, err := t.enqueue(userID, "heartbeat", func(ctx context.Context) error {
		return t.heartbeat(ctx, userID)
	})
	if err != nil {
		return err
	}
	return wait(ctx, done)
}

func (t *Tracker) StatusBatch(ctx context.Context, userIDs []string) ([]UserStatus, error) {
	return t.store.Statuses(ctx, userIDs)
}

func (t *Tracker) OnlineUsers(ctx context.Context) ([]string, error) {
	return t.store.Online(ctx)
}

// ExpireOrphan takes userID offline when no instance holds its lease and
// this instance has no timer for it. The lease is re-checked on the queue.
func (t *Tracker) ExpireOrphan(ctx context.Context, userID string) error {
	done, err := t.enqueue(userID, "reconcile", func(ctx context.Context) error {
		t.mu.Lock()
		_, local := t.timers[userID]
		t.mu.Unlock()
		if local {
			return nil
		}
		leased, err := t.store.HasLease(ctx, userID)
		if err != nil || leased {
			return err
		}
		return t.goOffline(ctx, userID)
	})
	if err != nil {
		return err
	}
	return wait(ctx, done)
}

// Close stops every timer and waits for queued actions to drain.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, a := range t.timers {
		a.timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) heartbeat(ctx context.Context, userID string) error {
	defer t.arm(userID)

	wasOnline, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		return fmt.Errorf("online check: %w", err)
	}
	if err := t.store.MarkOnline(ctx, userID); err != nil {
		return fmt.Errorf("mark online: %w", err)
	}
	if err := t.store.RefreshLease(ctx, userID, 2*t.timeout); err != nil {
		t.log.Warn("presence lease refresh failed", "user_id", userID, "err", err)
	}
	if wasOnline {
		return nil
	}
	t.metrics.PresenceTransition(string(StatusOnline))
	t.log.Info("user online", "user_id", userID)
	return t.publish(ctx, StatusChange{UserID: userID, Status: StatusOnline, Timestamp: t.clock.Now().Unix()})
}

// arm replaces the user's inactivity timer. The generation lets an offline
// action that was already queued detect that a later heartbeat superseded it.
func (t *Tracker) arm(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if prev, ok := t.timers[userID]; ok {
		prev.timer.Stop()
	}
	t.armLocked(userID, t.timeout)
}

func (t *Tracker) armLocked(userID string, d time.Duration) {
	t.nextGen++
	gen := t.nextGen
	t.timers[userID] = armed{gen: gen, timer: t.clock.AfterFunc(d, func() { t.expire(userID, gen) })}
}

// retryExpiry re-arms a fired timer whose offline action could not be queued,
// unless a heartbeat has replaced it since.
func (t *Tracker) retryExpiry(userID string, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if cur, ok := t.timers[userID]; !ok || cur.gen != gen {
		return
	}
	t.armLocked(userID, expiryRetry)
}

func (t *Tracker) expire(userID string, gen uint64) {
	_, err := t.enqueue(userID, "offline", func(ctx context.Context) error {
		t.mu.Lock()
		cur, ok := t.timers[userID]
		if !ok || cur.gen != gen {
			t.mu.Unlock()
			t.log.Debug("stale offline action skipped", "user_id", userID)
			return nil
		}
		delete(t.timers, userID)
		t.mu.Unlock()
		return t.goOffline(ctx, userID)
	})
	switch {
	case err == nil, errors.Is(err, ErrClosed):
	case errors.Is(err, ErrQueueFull):
		t.metrics.PresenceActionError()
		t.log.Warn("offline action deferred", "user_id", userID, "retry_in", expiryRetry, "err", err)
		t.retryExpiry(userID, gen)
	default:
		t.metrics.PresenceActionError()
		t.log.Error("offline action not queued", "user_id", userID, "err", err)
	}
}

func (t *Tracker) goOffline(ctx context.Context, userID string) error {
	online, err := t.store.IsOnline(ctx, userID)
	if err != nil {
		return fmt.Errorf("online check: %w", err)
	}
	if !online {
		t.log.Debug("user already offline", "user_id", userID)
		return nil
	}
	now := t.clock.Now()
	if err := t.store.MarkOffline(ctx, userID, now); err != nil {
		return fmt.Errorf("mark offline: %w", err)
	}
	t.metrics.PresenceTransition(string(StatusOffline))
	t.log.Info("user offline", "user_id", userID)
	return t.publish(ctx, StatusChange{UserID: userID, Status: StatusOffline, Timestamp: now.Unix()})
}

func (t *Tracker) publish(ctx context.Context, change StatusChange) error {
	if t.bc == nil {
		return nil
	}
	if err := t.bc.PublishStatus(ctx, change); err != nil {
		return fmt.Errorf("broadcast %s: %w", change.Status, err)
	}
	return nil
}

// enqueue appends fn to the user's queue, starting its worker when the
// queue was idle. The worker removes the queue once it is drained.
func (t *Tracker) enqueue(userID, name string, fn func(ctx context.Context) error) (<-chan error, error) {
	a := action{name: name, run: fn, done: make(chan error, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	q, ok := t.queues[userID]
	if !ok {
		q = make(chan action, t.queueSize)
		t.queues[userID] = q
		t.wg.Add(1)
		go t.drain(userID, q)
	}
	select {
	case q <- a:
		return a.done, nil
	default:
		return nil, ErrQueueFull
	}
}

func (t *Tracker) drain(userID string, q chan action) {
	defer t.wg.Done()
	for {
		select {
		case a := <-q:
			t.runAction(userID, a)
		default:
			t.mu.Lock()
			if len(q) == 0 {
				delete(t.queues, userID)
				t.mu.Unlock()
				return
			}
			t.mu.Unlock()
		}
	}
}

func (t *Tracker) runAction(userID string, a action) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return a.run(ctx)
	}()
	if err != nil {
		t.metrics.PresenceActionError()
		t.log.Error("presence action failed", "user_id", userID, "action", a.name, "err", err)
	}
	a.done <- err
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
