// Package redisq implements the durable operation queue on redis.
//
// Layout (prefix opq:): one pending LIST per user, a global ready LIST with
// one wakeup token per pending job, a delayed ZSET keyed by ready time, an
// active ZSET keyed by lease expiry, one HASH per job, and per-job lease
// fencing tokens. Deduplication tokens are plain SET NX keys. All multi-key
// transitions are Lua scripts (scripts.go) so delivery is at-least-once with
// no job ever visible in two structures.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/observability"
)

const (
	keyPrefix = "opq:"

	// pollInterval bounds how long Lease blocks in a single BRPOP so that
	// context cancellation is observed promptly.
	pollInterval = time.Second

	// terminalRetention keeps terminal job hashes readable for a day; the
	// sqlite audit store owns longer history.
	terminalRetention = 24 * time.Hour

	promoteInterval = 500 * time.Millisecond
	reclaimInterval = 5 * time.Second
	promoteBatch    = 100
)

// Queue is the redis-backed durable job queue.
type Queue struct {
	rdb      *redis.Client
	leaseDur time.Duration

	// cancelActive is wired by the processor after construction (the queue is
	// built first with a no-op) and fires when Cancel hits an active job.
	mu           sync.RWMutex
	cancelActive func(jobID string)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// EnqueueOptions carries the caller-controlled knobs of Enqueue.
type EnqueueOptions struct {
	IdempotencyKey   string
	PriorityOverride *domain.PriorityTier
	// MaxAttemptsOverride raises the policy retry budget; used for write
	// operations when the ERP idempotency contract is confirmed.
	MaxAttemptsOverride int
}

// LeaseToken is the fencing token proving ownership of an active job.
type LeaseToken struct {
	JobID  string
	UserID string
	Token  string
}

// New constructs a Queue over an existing client. The cancel-active callback
// starts as a no-op; the processor supplies the real one via SetCancelActive.
func New(rdb *redis.Client, leaseDur time.Duration) *Queue {
	return &Queue{
		rdb:          rdb,
		leaseDur:     leaseDur,
		cancelActive: func(string) {},
		stop:         make(chan struct{}),
	}
}

// NewFromURL connects to the redis endpoint named by a redis:// URL.
func NewFromURL(url string, leaseDur time.Duration) (*Queue, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.NewFromURL: %w", err)
	}
	return New(redis.NewClient(opt), leaseDur), nil
}

// SetCancelActive installs the processor's cancellation callback for active
// jobs. Safe to call after workers have started.
func (q *Queue) SetCancelActive(fn func(jobID string)) {
	if fn == nil {
		fn = func(string) {}
	}
	q.mu.Lock()
	q.cancelActive = fn
	q.mu.Unlock()
}

// Start launches the delayed-promotion and stalled-lease reclamation loops.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.loop(ctx, promoteInterval, "promote", q.promoteDue)
	go q.loop(ctx, reclaimInterval, "reclaim", q.reclaimStalled)
}

// Close stops the background loops and waits for them.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Ping reports backing-store reachability for readiness checks.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) loop(ctx context.Context, every time.Duration, name string, fn func(context.Context) error) {
	defer q.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-t.C:
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("queue maintenance pass failed",
					slog.String("loop", name), slog.Any("error", err))
			}
		}
	}
}

func (q *Queue) key(parts ...string) string {
	k := keyPrefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (q *Queue) jobKey(id string) string     { return q.key("job:", id) }
func (q *Queue) pendingKey(u string) string  { return q.key("pending:", u) }
func (q *Queue) leaseKey(id string) string   { return q.key("lease:", id) }
func (q *Queue) readyKey() string            { return q.key("ready") }
func (q *Queue) delayedKey() string          { return q.key("delayed") }
func (q *Queue) activeKey() string           { return q.key("active") }
func (q *Queue) dedupKey(dedupID, u string) string {
	return q.key("dedup:", dedupID, ":", u)
}

// Enqueue persists a job and makes it leaseable. For deduplicated types the
// returned id may belong to a previously enqueued live job (coalesced=true).
func (q *Queue) Enqueue(ctx context.Context, userID string, t domain.OpType, payload json.RawMessage, opts EnqueueOptions) (string, bool, error) {
	policy, ok := domain.PolicyFor(t)
	if !ok {
		return "", false, fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidArgument, t)
	}
	if userID == "" {
		return "", false, fmt.Errorf("%w: missing user id", domain.ErrInvalidArgument)
	}
	if policy.Dedup == domain.DedupThrottle && opts.IdempotencyKey == "" {
		return "", false, fmt.Errorf("%w: %s requires an idempotency key", domain.ErrInvalidArgument, t)
	}

	jobID := uuid.NewString()
	dedupID := domain.DedupIDFor(t, userID, opts.IdempotencyKey)

	var dedupKey string
	if dedupID != "" {
		dedupKey = q.dedupKey(dedupID, userID)
		var ttl time.Duration // simple mode: held until terminal ack
		if policy.Dedup == domain.DedupThrottle {
			ttl = policy.DedupTTL
		}
		acquired, err := q.rdb.SetNX(ctx, dedupKey, jobID, ttl).Result()
		if err != nil {
			return "", false, fmt.Errorf("%w: dedup acquire: %v", domain.ErrQueueUnavailable, err)
		}
		if !acquired {
			existing, err := q.rdb.Get(ctx, dedupKey).Result()
			if err == nil && existing != "" {
				observability.JobsDedupCoalescedTotal.WithLabelValues(string(t)).Inc()
				return existing, true, nil
			}
			// Token vanished between SETNX and GET; retry once.
			acquired, err = q.rdb.SetNX(ctx, dedupKey, jobID, ttl).Result()
			if err != nil || !acquired {
				return "", false, fmt.Errorf("%w: dedup race", domain.ErrQueueUnavailable)
			}
		}
	}

	tier := policy.Tier
	if opts.PriorityOverride != nil {
		tier = *opts.PriorityOverride
	}
	maxAttempts := policy.MaxAttempts
	if opts.MaxAttemptsOverride > 0 {
		maxAttempts = opts.MaxAttemptsOverride
	}

	now := time.Now()
	fields := map[string]any{
		"id":              jobID,
		"user_id":         userID,
		"type":            string(t),
		"payload":         string(payload),
		"idem_key":        opts.IdempotencyKey,
		"dedup_id":        dedupID,
		"priority":        int(tier),
		"state":           string(domain.StatePending),
		"attempts":        0,
		"max_attempts":    maxAttempts,
		"last_error":      "",
		"created_at":      now.UnixMilli(),
		"backoff_base_ms": policy.BackoffBase.Milliseconds(),
		"backoff_max_ms":  policy.BackoffMax.Milliseconds(),
		"timeout_ms":      policy.Timeout.Milliseconds(),
	}
	if policy.Dedup == domain.DedupSimple {
		// The terminal ack releases this token; throttle tokens expire on
		// their own so the TTL window holds even if the job finishes early.
		fields["dedup_key"] = dedupKey
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), fields)
	pipe.LPush(ctx, q.pendingKey(userID), jobID)
	pipe.LPush(ctx, q.readyKey(), userID)
	if _, err := pipe.Exec(ctx); err != nil {
		if dedupKey != "" {
			// Best effort. A token pointing at a job that was never persisted
			// would wedge simple-mode dedup for this user until it is removed
			// by hand: only a terminal ack releases it.
			q.rdb.Del(context.WithoutCancel(ctx), dedupKey)
		}
		return "", false, fmt.Errorf("%w: enqueue: %v", domain.ErrQueueUnavailable, err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(t)).Inc()
	return jobID, false, nil
}

// Lease blocks until a job is available (or ctx is done), atomically moving
// it to active under a fresh fencing token.
func (q *Queue) Lease(ctx context.Context) (domain.Job, LeaseToken, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.Job{}, LeaseToken{}, err
		}
		res, err := q.rdb.BRPop(ctx, pollInterval, q.readyKey()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.Job{}, LeaseToken{}, ctx.Err()
			}
			return domain.Job{}, LeaseToken{}, fmt.Errorf("%w: lease: %v", domain.ErrQueueUnavailable, err)
		}
		userID := res[1]

		token := uuid.NewString()
		expiry := time.Now().Add(q.leaseDur).UnixMilli()
		v, err := leaseScript.Run(ctx, q.rdb,
			[]string{q.pendingKey(userID), q.activeKey()},
			keyPrefix, token, expiry, q.leaseDur.Milliseconds(),
		).Result()
		if errors.Is(err, redis.Nil) {
			// Stray wakeup token (cancelled job); keep waiting.
			continue
		}
		if err != nil {
			return domain.Job{}, LeaseToken{}, fmt.Errorf("%w: lease: %v", domain.ErrQueueUnavailable, err)
		}
		jobID, _ := v.(string)
		job, err := q.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, LeaseToken{}, err
		}
		return job, LeaseToken{JobID: jobID, UserID: userID, Token: token}, nil
	}
}

// RenewLease extends the lease deadline; ErrLeaseLost means the job was
// reclaimed and the current handler must wind down.
func (q *Queue) RenewLease(ctx context.Context, tok LeaseToken) error {
	expiry := time.Now().Add(q.leaseDur).UnixMilli()
	v, err := renewScript.Run(ctx, q.rdb,
		[]string{q.leaseKey(tok.JobID), q.activeKey()},
		tok.Token, tok.JobID, expiry, q.leaseDur.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("%w: renew: %v", domain.ErrQueueUnavailable, err)
	}
	if v == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// AckCompleted finishes the job successfully.
func (q *Queue) AckCompleted(ctx context.Context, job domain.Job, tok LeaseToken) error {
	return q.ackTerminal(ctx, job, tok, domain.StateCompleted, "", false)
}

// AckFailedPermanent finishes the job with a non-retryable failure.
func (q *Queue) AckFailedPermanent(ctx context.Context, job domain.Job, tok LeaseToken, reason string) error {
	return q.ackTerminal(ctx, job, tok, domain.StateFailed, reason, false)
}

func (q *Queue) ackTerminal(ctx context.Context, job domain.Job, tok LeaseToken, state domain.JobState, reason string, countAttempt bool) error {
	var dedupKey string
	if job.DedupID != "" {
		if p, ok := domain.PolicyFor(job.Type); ok && p.Dedup == domain.DedupSimple {
			dedupKey = q.dedupKey(job.DedupID, job.UserID)
		}
	}
	count := "0"
	if countAttempt {
		count = "1"
	}
	v, err := ackTerminalScript.Run(ctx, q.rdb,
		[]string{q.leaseKey(tok.JobID), q.activeKey(), q.jobKey(tok.JobID)},
		tok.Token, tok.JobID, string(state), reason, dedupKey, terminalRetention.Milliseconds(), count,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: ack: %v", domain.ErrQueueUnavailable, err)
	}
	if v == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// AckFailedRetry reinserts the job with a delay and consumes an attempt.
// When the retry budget is exhausted it converts to a permanent failure and
// returns retried=false.
func (q *Queue) AckFailedRetry(ctx context.Context, job domain.Job, tok LeaseToken, cause string, delay time.Duration) (bool, error) {
	if job.Attempts+1 >= job.MaxAttempts {
		// The exhausting execution still counts: a job that ran N times
		// terminates with attempts=N.
		if err := q.ackTerminal(ctx, job, tok, domain.StateFailed, cause, true); err != nil {
			return false, err
		}
		return false, nil
	}
	if delay <= 0 {
		delay = RetryDelay(job)
	}
	if err := q.ackRetry(ctx, tok, cause, delay, true); err != nil {
		return false, err
	}
	observability.JobsRetriedTotal.WithLabelValues(string(job.Type)).Inc()
	return true, nil
}

// AckRequeueBusy reinserts a job that lost the seat race without consuming an
// attempt: lock contention is scheduling, not a failure of the job.
func (q *Queue) AckRequeueBusy(ctx context.Context, tok LeaseToken, delay time.Duration) error {
	return q.ackRetry(ctx, tok, "", delay, false)
}

func (q *Queue) ackRetry(ctx context.Context, tok LeaseToken, cause string, delay time.Duration, countAttempt bool) error {
	readyAt := time.Now().Add(delay).UnixMilli()
	count := "0"
	if countAttempt {
		count = "1"
	}
	v, err := retryScript.Run(ctx, q.rdb,
		[]string{q.leaseKey(tok.JobID), q.activeKey(), q.jobKey(tok.JobID), q.delayedKey()},
		tok.Token, tok.JobID, readyAt, cause, count,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: retry ack: %v", domain.ErrQueueUnavailable, err)
	}
	if v == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// RequeuePreempted returns an evicted job to the head of its user's pending
// queue without counting an attempt.
func (q *Queue) RequeuePreempted(ctx context.Context, job domain.Job, tok LeaseToken) error {
	v, err := requeuePreemptedScript.Run(ctx, q.rdb,
		[]string{q.leaseKey(tok.JobID), q.activeKey(), q.jobKey(tok.JobID), q.pendingKey(tok.UserID), q.readyKey()},
		tok.Token, tok.JobID, tok.UserID,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: requeue: %v", domain.ErrQueueUnavailable, err)
	}
	if v == 0 {
		return domain.ErrLeaseLost
	}
	observability.JobsPreemptedTotal.WithLabelValues(string(job.Type)).Inc()
	return nil
}

// Cancel removes a pending or delayed job. Active jobs are signalled through
// the processor's cancel callback; their ack path decides the outcome.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	v, err := cancelScript.Run(ctx, q.rdb,
		[]string{q.jobKey(jobID), q.delayedKey()},
		keyPrefix, jobID, terminalRetention.Milliseconds(),
	).Text()
	if err != nil {
		return fmt.Errorf("%w: cancel: %v", domain.ErrQueueUnavailable, err)
	}
	switch domain.JobState(v) {
	case "":
		return domain.ErrNotFound
	case domain.StateActive:
		q.mu.RLock()
		fn := q.cancelActive
		q.mu.RUnlock()
		fn(jobID)
		return nil
	case domain.StateCompleted, domain.StateFailed:
		return fmt.Errorf("%w: job already %s", domain.ErrConflict, v)
	default:
		return nil
	}
}

// Get loads a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (domain.Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: get: %v", domain.ErrQueueUnavailable, err)
	}
	if len(fields) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	return jobFromFields(fields), nil
}

func (q *Queue) promoteDue(ctx context.Context) error {
	_, err := promoteScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.readyKey()},
		keyPrefix, time.Now().UnixMilli(), promoteBatch,
	).Result()
	return err
}

func (q *Queue) reclaimStalled(ctx context.Context) error {
	n, err := reclaimScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.readyKey()},
		keyPrefix, time.Now().UnixMilli(),
	).Int()
	if err == nil && n > 0 {
		slog.Warn("reclaimed stalled jobs", slog.Int("count", n))
	}
	return err
}

// RetryDelay computes the exponential backoff delay for the job's next
// attempt: base doubling per consumed attempt, capped at the policy maximum.
func RetryDelay(job domain.Job) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = job.BackoffBase
	b.MaxInterval = job.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	delay := b.NextBackOff()
	for i := 0; i < job.Attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func jobFromFields(f map[string]string) domain.Job {
	atoi := func(s string) int {
		n, _ := strconv.Atoi(s)
		return n
	}
	atoi64 := func(s string) int64 {
		n, _ := strconv.ParseInt(s, 10, 64)
		return n
	}
	var payload json.RawMessage
	if f["payload"] != "" {
		payload = json.RawMessage(f["payload"])
	}
	return domain.Job{
		ID:             f["id"],
		UserID:         f["user_id"],
		Type:           domain.OpType(f["type"]),
		Payload:        payload,
		IdempotencyKey: f["idem_key"],
		DedupID:        f["dedup_id"],
		Priority:       domain.PriorityTier(atoi(f["priority"])),
		State:          domain.JobState(f["state"]),
		Attempts:       atoi(f["attempts"]),
		MaxAttempts:    atoi(f["max_attempts"]),
		LastError:      f["last_error"],
		CreatedAt:      time.UnixMilli(atoi64(f["created_at"])),
		BackoffBase:    time.Duration(atoi64(f["backoff_base_ms"])) * time.Millisecond,
		BackoffMax:     time.Duration(atoi64(f["backoff_max_ms"])) * time.Millisecond,
		Timeout:        time.Duration(atoi64(f["timeout_ms"])) * time.Millisecond,
	}
}
