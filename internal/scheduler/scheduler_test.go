package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/domain"
)

type enqueueCall struct {
	userID string
	typ    domain.OpType
}

type fakeQueue struct {
	mu       sync.Mutex
	calls    []enqueueCall
	coalesce bool
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, userID string, t domain.OpType, _ json.RawMessage, _ redisq.EnqueueOptions) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", false, q.err
	}
	q.calls = append(q.calls, enqueueCall{userID: userID, typ: t})
	return "job-1", q.coalesce, nil
}

func (q *fakeQueue) snapshot() []enqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueueCall(nil), q.calls...)
}

type fakeIntervals struct {
	m   map[domain.OpType]int
	err error
}

func (f *fakeIntervals) Intervals(context.Context) (map[domain.OpType]int, error) {
	return f.m, f.err
}

func staticUsers(users ...string) UserSource {
	return func(context.Context) ([]string, error) { return users, nil }
}

// fakeClock advances only when told to.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestScheduler(q Enqueuer, iv IntervalSource, users UserSource) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)}
	s := New(q, iv, users, Options{Tick: time.Hour, Now: clock.Now})
	// Seed lastRun the way Start does, without the goroutine.
	s.mu.Lock()
	for _, t := range domain.SyncOpTypes {
		s.lastRun[t] = clock.Now()
	}
	s.mu.Unlock()
	return s, clock
}

func TestRunDueSkipsFreshIntervals(t *testing.T) {
	q := &fakeQueue{}
	iv := &fakeIntervals{m: map[domain.OpType]int{domain.OpSyncOrders: 60}}
	s, clock := newTestScheduler(q, iv, staticUsers("u1"))

	clock.Advance(30 * time.Minute)
	s.runDue(context.Background())
	assert.Empty(t, q.snapshot(), "half an interval elapsed, nothing due")
}

func TestRunDueEnqueuesPerUser(t *testing.T) {
	q := &fakeQueue{}
	iv := &fakeIntervals{m: map[domain.OpType]int{domain.OpSyncOrders: 60}}
	s, clock := newTestScheduler(q, iv, staticUsers("u1", "u2"))

	clock.Advance(61 * time.Minute)
	s.runDue(context.Background())

	calls := q.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, enqueueCall{userID: "u1", typ: domain.OpSyncOrders}, calls[0])
	assert.Equal(t, enqueueCall{userID: "u2", typ: domain.OpSyncOrders}, calls[1])

	// The pass advanced lastRun: an immediate second pass is a no-op.
	s.runDue(context.Background())
	assert.Len(t, q.snapshot(), 2)
}

func TestRunDueFiresOnlyElapsedTypes(t *testing.T) {
	q := &fakeQueue{}
	iv := &fakeIntervals{m: map[domain.OpType]int{
		domain.OpSyncOrders: 15,
		domain.OpSyncPrices: 120,
	}}
	s, clock := newTestScheduler(q, iv, staticUsers("u1"))

	clock.Advance(20 * time.Minute)
	s.runDue(context.Background())

	calls := q.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, domain.OpSyncOrders, calls[0].typ)
}

func TestRunDueCoalescedStillAdvancesClock(t *testing.T) {
	q := &fakeQueue{coalesce: true}
	iv := &fakeIntervals{m: map[domain.OpType]int{domain.OpSyncOrders: 60}}
	s, clock := newTestScheduler(q, iv, staticUsers("u1"))

	clock.Advance(61 * time.Minute)
	s.runDue(context.Background())
	assert.Len(t, q.snapshot(), 1)

	s.runDue(context.Background())
	assert.Len(t, q.snapshot(), 1, "coalesced pass still counts as a run")
}

func TestRunDueEnqueueFailureRetriesNextTick(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis gone")}
	iv := &fakeIntervals{m: map[domain.OpType]int{domain.OpSyncOrders: 60}}
	s, clock := newTestScheduler(q, iv, staticUsers("u1"))

	clock.Advance(61 * time.Minute)
	s.runDue(context.Background())
	assert.Empty(t, q.snapshot())

	// Recovery: the type stays due only after another interval since lastRun
	// was advanced; the next elapsed window picks it up.
	q.mu.Lock()
	q.err = nil
	q.mu.Unlock()
	clock.Advance(61 * time.Minute)
	s.runDue(context.Background())
	assert.Len(t, q.snapshot(), 1)
}

func TestRunDueIntervalLoadFailure(t *testing.T) {
	q := &fakeQueue{}
	iv := &fakeIntervals{err: errors.New("db locked")}
	s, clock := newTestScheduler(q, iv, staticUsers("u1"))

	clock.Advance(2 * time.Hour)
	s.runDue(context.Background())
	assert.Empty(t, q.snapshot())
}

func TestStartAndCloseLifecycle(t *testing.T) {
	q := &fakeQueue{}
	iv := &fakeIntervals{m: map[domain.OpType]int{domain.OpSyncOrders: 60}}
	s := New(q, iv, staticUsers("u1"), Options{Tick: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Close()

	// Real clock: nothing is due a few milliseconds after start.
	assert.Empty(t, q.snapshot())
}
