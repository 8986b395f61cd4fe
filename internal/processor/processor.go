// Package processor runs the operation execution loop: lease a job, win the
// per-user agent seat (preempting a lower-priority incumbent if needed), run
// the handler inside a combined cancellation envelope, and report the
// terminal outcome back to the queue.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/agentlock"
	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/observability"
)

// Queue is the narrow port the processor needs from the durable queue.
type Queue interface {
	Lease(ctx context.Context) (domain.Job, redisq.LeaseToken, error)
	RenewLease(ctx context.Context, tok redisq.LeaseToken) error
	AckCompleted(ctx context.Context, job domain.Job, tok redisq.LeaseToken) error
	AckFailedPermanent(ctx context.Context, job domain.Job, tok redisq.LeaseToken, reason string) error
	AckFailedRetry(ctx context.Context, job domain.Job, tok redisq.LeaseToken, cause string, delay time.Duration) (bool, error)
	AckRequeueBusy(ctx context.Context, tok redisq.LeaseToken, delay time.Duration) error
	RequeuePreempted(ctx context.Context, job domain.Job, tok redisq.LeaseToken) error
}

// Publisher receives lifecycle events for fan-out.
type Publisher interface {
	Publish(ev domain.Event)
}

// Auditor records terminal outcomes in durable history. Optional.
type Auditor interface {
	RecordTerminal(ctx context.Context, job domain.Job, state domain.JobState, errMsg string) error
}

// Options tunes the processor.
type Options struct {
	// Workers is the number of partition workers pulling from the queue.
	// Per-user serialization comes from the agent lock, not from Workers.
	Workers int
	// LeaseDuration must match the queue's lease duration; renewal runs at
	// half of it.
	LeaseDuration time.Duration
	// PreemptionDeadline bounds how long a preemptor polls for the seat.
	PreemptionDeadline time.Duration
	// PreemptionPoll is the interval between acquisition attempts while the
	// incumbent winds down.
	PreemptionPoll time.Duration
	// BusyRetryDelay is the requeue delay when the seat is held at an equal
	// or higher tier.
	BusyRetryDelay time.Duration
	// WindDown is the grace a cancelled handler gets to return before the
	// processor abandons it.
	WindDown time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 6 * time.Minute
	}
	if o.PreemptionDeadline <= 0 {
		o.PreemptionDeadline = 30 * time.Second
	}
	if o.PreemptionPoll <= 0 {
		o.PreemptionPoll = 500 * time.Millisecond
	}
	if o.BusyRetryDelay <= 0 {
		o.BusyRetryDelay = 2 * time.Second
	}
	if o.WindDown <= 0 {
		o.WindDown = 5 * time.Second
	}
	return o
}

// ackTimeout bounds outcome reporting; acks use a fresh context so a
// shutting-down processor can still record outcomes.
const ackTimeout = 10 * time.Second

// Processor executes leased jobs one at a time per worker.
type Processor struct {
	queue Queue
	lock  *agentlock.Lock
	reg   *Registry
	hub   Publisher
	audit Auditor
	opts  Options

	// cancels maps active job ids to their cancellation envelope so that
	// Queue.Cancel can reach in-flight work.
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc

	wg sync.WaitGroup
}

// New constructs a Processor. Wire its CancelActive into the queue after
// construction: queue.SetCancelActive(p.CancelActive).
func New(q Queue, lock *agentlock.Lock, reg *Registry, hub Publisher, audit Auditor, opts Options) *Processor {
	return &Processor{
		queue:   q,
		lock:    lock,
		reg:     reg,
		hub:     hub,
		audit:   audit,
		opts:    opts.withDefaults(),
		cancels: make(map[string]context.CancelCauseFunc),
	}
}

// CancelActive aborts the named job if this processor is currently running
// it. This is the callback the queue fires for Cancel on an active job.
func (p *Processor) CancelActive(jobID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	p.mu.Unlock()
	if ok {
		cancel(domain.ErrCancelled)
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled, after
// finishing (or requeueing) their current job.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("processor worker panic",
						slog.Int("worker", n),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())))
				}
			}()
			p.runLoop(ctx, n)
		}(i)
	}
}

// Wait blocks until all workers have drained.
func (p *Processor) Wait() { p.wg.Wait() }

func (p *Processor) runLoop(ctx context.Context, worker int) {
	for {
		job, tok, err := p.queue.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("lease failed", slog.Int("worker", worker), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, job, tok)
	}
}

func (p *Processor) process(ctx context.Context, job domain.Job, tok redisq.LeaseToken) {
	lg := slog.Default().With(
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("type", string(job.Type)),
		slog.Int("attempt", job.Attempts+1),
	)

	reg, ok := p.reg.Lookup(job.Type)
	if !ok {
		lg.Error("no handler registered")
		p.finishPermanent(job, tok, "no handler", "no_handler")
		return
	}

	// Combined cancellation source: user/system cancel, preemption request,
	// handler timeout, lost lease. Any trigger aborts the handler ctx with a
	// distinguishing cause.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The envelope is registered before seat negotiation: a user cancel must
	// be able to land while the job is still waiting for the seat.
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	if !p.acquireSeat(runCtx, job, tok, cancel, lg) {
		return
	}
	releaseSeat := sync.OnceFunc(func() { p.lock.Release(job.UserID, job.ID) })
	defer releaseSeat()

	timeout := reg.Policy.Timeout
	timer := time.AfterFunc(timeout, func() { cancel(domain.ErrHandlerTimeout) })
	defer timer.Stop()

	renewDone := make(chan struct{})
	defer close(renewDone)
	go p.renewLoop(tok, cancel, renewDone)

	p.hub.Publish(domain.NewEvent(domain.EventStarted, job.UserID, job.ID, map[string]any{
		"operationType": string(job.Type),
		"attempt":       job.Attempts + 1,
	}))
	observability.JobsActive.WithLabelValues(string(job.Type)).Inc()
	defer observability.JobsActive.WithLabelValues(string(job.Type)).Dec()

	progress := func(pr domain.Progress) {
		p.hub.Publish(domain.NewEvent(domain.EventProgress, job.UserID, job.ID, map[string]any{
			"operationType": string(job.Type),
			"phase":         pr.Phase,
			"pct":           pr.Pct,
			"message":       pr.Message,
		}))
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				lg.Error("handler panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
				done <- domain.Permanent(fmt.Errorf("handler panic: %v", r))
			}
		}()
		done <- reg.Handler.Handle(runCtx, job, progress)
	}()

	var handlerErr error
	select {
	case handlerErr = <-done:
	case <-runCtx.Done():
		// Bounded wind-down; a handler that ignores the signal is abandoned
		// and the job is settled per the trigger kind.
		select {
		case handlerErr = <-done:
		case <-time.After(p.opts.WindDown):
			lg.Warn("handler ignored cancellation, abandoning wind-down")
		}
	}
	observability.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	p.settle(job, tok, context.Cause(runCtx), handlerErr, releaseSeat, lg)
}

// acquireSeat takes the agent lock, negotiating preemption when the
// incumbent runs at a strictly lower tier. Returns false when the job was
// requeued or cancelled instead; ctx is the job's cancellation envelope, so
// a user cancel arriving mid-negotiation settles the job here.
func (p *Processor) acquireSeat(ctx context.Context, job domain.Job, tok redisq.LeaseToken, cancel context.CancelCauseFunc, lg *slog.Logger) bool {
	requestCancel := func() { cancel(domain.ErrPreempted) }

	res, incumbent := p.lock.Acquire(job.UserID, job.ID, job.Type, job.Priority, requestCancel)
	switch res {
	case agentlock.Acquired:
		return true
	case agentlock.Busy:
		lg.Debug("seat busy, requeueing",
			slog.String("incumbent", incumbent.JobID),
			slog.String("incumbent_tier", incumbent.Priority.String()))
		p.ackWith(func(actx context.Context) error {
			return p.queue.AckRequeueBusy(actx, tok, p.opts.BusyRetryDelay)
		}, lg)
		return false
	}

	// Preemptable: ask the incumbent to wind down and poll for the seat.
	lg.Info("preempting incumbent",
		slog.String("incumbent", incumbent.JobID),
		slog.String("incumbent_type", string(incumbent.Type)))
	p.lock.RequestCancel(job.UserID)

	deadline := time.NewTimer(p.opts.PreemptionDeadline)
	defer deadline.Stop()
	poll := time.NewTicker(p.opts.PreemptionPoll)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), domain.ErrCancelled) {
				lg.Info("job cancelled while waiting for seat")
				p.finishPermanent(job, tok, "cancelled", "cancelled")
				return false
			}
			// Shutdown: requeue without an attempt.
			p.ackWith(func(actx context.Context) error {
				return p.queue.AckRequeueBusy(actx, tok, 0)
			}, lg)
			return false
		case <-deadline.C:
			// Incumbent did not yield in time; the preemptor requeues with
			// backoff and this does consume an attempt.
			lg.Warn("preemption deadline elapsed, requeueing preemptor")
			p.ackWith(func(actx context.Context) error {
				retried, err := p.queue.AckFailedRetry(actx, job, tok, "preemption deadline elapsed", 0)
				if err == nil && !retried {
					p.emitTerminalFailure(job, "preemption deadline elapsed", "preemption")
				}
				return err
			}, lg)
			return false
		case <-poll.C:
			res, _ = p.lock.Acquire(job.UserID, job.ID, job.Type, job.Priority, requestCancel)
			if res == agentlock.Acquired {
				return true
			}
		}
	}
}

// settle maps the handler outcome and cancellation cause onto the queue ack
// and the user-visible lifecycle event. The seat is freed before any ack: a
// requeue makes the job leasable again, and a re-lease must not be granted a
// seat entry this run still owns.
func (p *Processor) settle(job domain.Job, tok redisq.LeaseToken, cause, handlerErr error, releaseSeat func(), lg *slog.Logger) {
	releaseSeat()
	switch {
	case errors.Is(cause, domain.ErrPreempted):
		lg.Info("job preempted, requeueing without attempt")
		p.ackWith(func(actx context.Context) error {
			return p.queue.RequeuePreempted(actx, job, tok)
		}, lg)
		p.hub.Publish(domain.NewEvent(domain.EventRequeued, job.UserID, job.ID, map[string]any{
			"operationType": string(job.Type),
			"reason":        "preempted",
		}))

	case errors.Is(cause, domain.ErrHandlerTimeout):
		// A hung workflow must not be replayed against the ERP.
		lg.Error("handler timeout", slog.Duration("timeout", job.Timeout))
		p.finishPermanent(job, tok, "timeout", "timeout")

	case errors.Is(cause, domain.ErrCancelled):
		lg.Info("job cancelled")
		p.finishPermanent(job, tok, "cancelled", "cancelled")

	case errors.Is(cause, domain.ErrLeaseLost):
		// The queue already reclaimed the job; acking would race the next
		// lease holder. Reclamation returns it to pending.
		lg.Warn("lease lost mid-flight, leaving job to reclamation")

	case errors.Is(cause, context.Canceled):
		// Shutdown: parent context cancelled. Requeue without an attempt,
		// whatever the handler managed to return.
		lg.Info("shutdown during job, requeueing")
		p.ackWith(func(actx context.Context) error {
			return p.queue.AckRequeueBusy(actx, tok, 0)
		}, lg)

	case handlerErr == nil:
		lg.Info("job completed")
		p.ackWith(func(actx context.Context) error {
			return p.queue.AckCompleted(actx, job, tok)
		}, lg)
		observability.JobsCompletedTotal.WithLabelValues(string(job.Type)).Inc()
		p.recordAudit(job, domain.StateCompleted, "")
		p.hub.Publish(domain.NewEvent(domain.EventCompleted, job.UserID, job.ID, map[string]any{
			"operationType": string(job.Type),
		}))

	case domain.IsTransient(handlerErr):
		p.ackWith(func(actx context.Context) error {
			retried, err := p.queue.AckFailedRetry(actx, job, tok, handlerErr.Error(), 0)
			if err != nil {
				return err
			}
			if retried {
				lg.Warn("transient failure, retry scheduled", slog.Any("error", handlerErr))
				// Informational: the job is not terminal yet.
				p.hub.Publish(domain.NewEvent(domain.EventFailed, job.UserID, job.ID, map[string]any{
					"operationType": string(job.Type),
					"kind":          "transient",
					"message":       handlerErr.Error(),
					"willRetry":     true,
				}))
			} else {
				lg.Error("retry budget exhausted", slog.Any("error", handlerErr))
				observability.JobsFailedTotal.WithLabelValues(string(job.Type), "exhausted").Inc()
				p.recordAudit(job, domain.StateFailed, handlerErr.Error())
				p.emitTerminalFailure(job, handlerErr.Error(), "transient")
			}
			return nil
		}, lg)

	default:
		lg.Error("permanent failure", slog.Any("error", handlerErr))
		p.finishPermanent(job, tok, handlerErr.Error(), "permanent")
	}
}

func (p *Processor) finishPermanent(job domain.Job, tok redisq.LeaseToken, reason, kind string) {
	lg := slog.Default().With(slog.String("job_id", job.ID))
	p.ackWith(func(actx context.Context) error {
		return p.queue.AckFailedPermanent(actx, job, tok, reason)
	}, lg)
	observability.JobsFailedTotal.WithLabelValues(string(job.Type), kind).Inc()
	p.recordAudit(job, domain.StateFailed, reason)
	p.emitTerminalFailure(job, reason, kind)
}

func (p *Processor) emitTerminalFailure(job domain.Job, message, kind string) {
	p.hub.Publish(domain.NewEvent(domain.EventFailed, job.UserID, job.ID, map[string]any{
		"operationType": string(job.Type),
		"kind":          kind,
		"message":       message,
	}))
}

func (p *Processor) recordAudit(job domain.Job, state domain.JobState, errMsg string) {
	if p.audit == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := p.audit.RecordTerminal(actx, job, state, errMsg); err != nil {
		slog.Error("terminal audit write failed",
			slog.String("job_id", job.ID), slog.Any("error", err))
	}
}

// ackWith runs an ack against a fresh context so outcomes are recorded even
// during shutdown. Lease loss here means reclamation won the race; the job
// is back in pending and nothing is lost.
func (p *Processor) ackWith(fn func(ctx context.Context) error, lg *slog.Logger) {
	actx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := fn(actx); err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			lg.Warn("ack lost to lease reclamation")
			return
		}
		lg.Error("ack failed", slog.Any("error", err))
	}
}

// renewLoop extends the lease at half duration until the job settles. Any
// renewal failure aborts the handler: without a lease the queue will hand
// the job to someone else.
func (p *Processor) renewLoop(tok redisq.LeaseToken, cancel context.CancelCauseFunc, done <-chan struct{}) {
	t := time.NewTicker(p.opts.LeaseDuration / 2)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			actx, acancel := context.WithTimeout(context.Background(), ackTimeout)
			err := p.queue.RenewLease(actx, tok)
			acancel()
			if err != nil {
				cancel(domain.ErrLeaseLost)
				return
			}
		}
	}
}
