// Package agentlock owns the per-user browser automation seat. At most one
// job per user holds the seat; a strictly higher-priority job may ask the
// incumbent to wind down and take over.
package agentlock

import (
	"sync"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// Result classifies an acquisition attempt.
type Result int

const (
	// Acquired means the caller now holds the seat.
	Acquired Result = iota
	// Busy means the seat is held at an equal or higher priority tier; the
	// caller must back off.
	Busy
	// Preemptable means the seat is held at a strictly lower tier; the
	// caller may request cancellation and poll for the seat.
	Preemptable
)

// Holder describes the job currently owning a user's seat.
type Holder struct {
	JobID    string
	Type     domain.OpType
	Priority domain.PriorityTier
}

type holder struct {
	Holder
	requestCancel func()
	cancelled     bool
}

// Lock is the in-process per-user seat registry.
type Lock struct {
	mu    sync.Mutex
	seats map[string]*holder
}

// New constructs an empty Lock.
func New() *Lock {
	return &Lock{seats: make(map[string]*holder)}
}

// Acquire attempts to take the seat for (userID, jobID). Non-blocking. The
// requestCancel callback is registered on success and invoked (once) if a
// higher-priority job later asks for the seat.
func (l *Lock) Acquire(userID, jobID string, typ domain.OpType, prio domain.PriorityTier, requestCancel func()) (Result, Holder) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, held := l.seats[userID]
	if !held {
		l.seats[userID] = &holder{
			Holder:        Holder{JobID: jobID, Type: typ, Priority: prio},
			requestCancel: requestCancel,
		}
		return Acquired, Holder{JobID: jobID, Type: typ, Priority: prio}
	}
	if cur.JobID == jobID {
		// Re-entrant acquire during a preemption poll. The latest callback
		// wins so a wind-down request reaches the current run, not a stale
		// envelope.
		cur.requestCancel = requestCancel
		return Acquired, cur.Holder
	}
	if prio > cur.Priority {
		return Preemptable, cur.Holder
	}
	return Busy, cur.Holder
}

// RequestCancel fires the incumbent's wind-down callback. Idempotent; a
// missing holder is a no-op.
func (l *Lock) RequestCancel(userID string) {
	l.mu.Lock()
	cur, held := l.seats[userID]
	var fire func()
	if held && !cur.cancelled {
		cur.cancelled = true
		fire = cur.requestCancel
	}
	l.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Release frees the seat only when jobID matches the holder; releasing
// someone else's seat is a no-op.
func (l *Lock) Release(userID, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.seats[userID]; held && cur.JobID == jobID {
		delete(l.seats, userID)
	}
}

// Incumbent reports the current holder of a user's seat, if any.
func (l *Lock) Incumbent(userID string) (Holder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.seats[userID]; held {
		return cur.Holder, true
	}
	return Holder{}, false
}
