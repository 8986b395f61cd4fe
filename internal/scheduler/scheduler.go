// Package scheduler enqueues background syncs on the configured intervals.
// Deduplication in the queue coalesces a tick that fires while the previous
// sync for the same user is still pending or running.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// ActiveUserWindow bounds how far back audit history counts a user as active.
const ActiveUserWindow = 7 * 24 * time.Hour

// Enqueuer is the queue surface the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID string, t domain.OpType, payload json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error)
}

// IntervalSource yields the effective interval in minutes per sync type.
type IntervalSource interface {
	Intervals(ctx context.Context) (map[domain.OpType]int, error)
}

// UserSource yields the users whose syncs should be scheduled.
type UserSource func(ctx context.Context) ([]string, error)

// Options tunes the scheduler; zero values take defaults.
type Options struct {
	// Tick is how often due intervals are evaluated.
	Tick time.Duration
	// Now is a clock seam for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler drives interval syncs. One instance runs per process; the queue's
// dedup makes an accidental second instance harmless.
type Scheduler struct {
	q         Enqueuer
	intervals IntervalSource
	users     UserSource
	opts      Options

	mu      sync.Mutex
	lastRun map[domain.OpType]time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Scheduler.
func New(q Enqueuer, intervals IntervalSource, users UserSource, opts Options) *Scheduler {
	return &Scheduler{
		q:         q,
		intervals: intervals,
		users:     users,
		opts:      opts.withDefaults(),
		lastRun:   make(map[domain.OpType]time.Time),
		stop:      make(chan struct{}),
	}
}

// Start launches the tick loop. A type's first enqueue happens one full
// interval after start so a process restart does not trigger a sync storm.
func (s *Scheduler) Start(ctx context.Context) {
	now := s.opts.Now()
	s.mu.Lock()
	for _, t := range domain.SyncOpTypes {
		s.lastRun[t] = now
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
}

// Close stops the tick loop and waits for an in-flight pass to finish.
func (s *Scheduler) Close() {
	close(s.stop)
	s.wg.Wait()
}

// runDue enqueues every sync type whose interval has elapsed, for every
// active user. Failures are logged and retried on the next tick.
func (s *Scheduler) runDue(ctx context.Context) {
	intervals, err := s.intervals.Intervals(ctx)
	if err != nil {
		slog.Warn("scheduler: loading intervals failed", slog.Any("error", err))
		return
	}
	now := s.opts.Now()

	var due []domain.OpType
	s.mu.Lock()
	for t, minutes := range intervals {
		if now.Sub(s.lastRun[t]) >= time.Duration(minutes)*time.Minute {
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	if len(due) == 0 {
		return
	}

	users, err := s.users(ctx)
	if err != nil {
		slog.Warn("scheduler: loading users failed", slog.Any("error", err))
		return
	}

	payload, _ := json.Marshal(domain.SyncPayload{Full: false})
	for _, t := range due {
		enqueued, coalesced := 0, 0
		for _, u := range users {
			_, wasCoalesced, err := s.q.Enqueue(ctx, u, t, payload, redisq.EnqueueOptions{})
			switch {
			case err != nil:
				slog.Warn("scheduler: enqueue failed",
					slog.String("type", string(t)),
					slog.String("user_id", u),
					slog.Any("error", err))
			case wasCoalesced:
				coalesced++
			default:
				enqueued++
			}
		}
		s.mu.Lock()
		s.lastRun[t] = now
		s.mu.Unlock()
		slog.Debug("scheduler: interval fired",
			slog.String("type", string(t)),
			slog.Int("enqueued", enqueued),
			slog.Int("coalesced", coalesced))
	}
}
