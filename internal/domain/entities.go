// Package domain defines the core entities shared by the queue, processor,
// and transport layers: operation types, job records, execution policies,
// and lifecycle events.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// OpType enumerates the closed set of operations the queue accepts.
type OpType string

// Write operations (highest priority tier).
const (
	OpSubmitOrder    OpType = "submit-order"
	OpCreateCustomer OpType = "create-customer"
	OpSendToRemote   OpType = "send-to-remote"
)

// Interactive PDF downloads.
const (
	OpDownloadOrders    OpType = "download-pdf-orders"
	OpDownloadCustomers OpType = "download-pdf-customers"
	OpDownloadProducts  OpType = "download-pdf-products"
	OpDownloadPrices    OpType = "download-pdf-prices"
	OpDownloadDDT       OpType = "download-pdf-ddt"
	OpDownloadInvoices  OpType = "download-pdf-invoices"
)

// Background data syncs.
const (
	OpSyncOrders    OpType = "sync-orders"
	OpSyncCustomers OpType = "sync-customers"
	OpSyncProducts  OpType = "sync-products"
	OpSyncPrices    OpType = "sync-prices"
	OpSyncDDT       OpType = "sync-ddt"
	OpSyncInvoices  OpType = "sync-invoices"
)

// AllOpTypes lists every accepted operation type.
var AllOpTypes = []OpType{
	OpSubmitOrder, OpCreateCustomer, OpSendToRemote,
	OpDownloadOrders, OpDownloadCustomers, OpDownloadProducts,
	OpDownloadPrices, OpDownloadDDT, OpDownloadInvoices,
	OpSyncOrders, OpSyncCustomers, OpSyncProducts,
	OpSyncPrices, OpSyncDDT, OpSyncInvoices,
}

// SyncOpTypes lists the scheduled background sync types.
var SyncOpTypes = []OpType{
	OpSyncOrders, OpSyncCustomers, OpSyncProducts,
	OpSyncPrices, OpSyncDDT, OpSyncInvoices,
}

// Valid reports whether t is a member of the closed enumeration.
func (t OpType) Valid() bool {
	_, ok := policies[t]
	return ok
}

// IsSync reports whether t is a background sync type.
func (t OpType) IsSync() bool {
	for _, s := range SyncOpTypes {
		if t == s {
			return true
		}
	}
	return false
}

// PriorityTier orders operations for the agent lock. Higher values preempt
// lower ones; equal tiers never preempt each other.
type PriorityTier int

const (
	TierBackground PriorityTier = iota
	TierDownload
	TierWrite
)

func (p PriorityTier) String() string {
	switch p {
	case TierWrite:
		return "write"
	case TierDownload:
		return "download"
	default:
		return "background"
	}
}

// DedupMode selects how concurrent enqueues of the same logical operation
// are coalesced.
type DedupMode int

const (
	// DedupNone creates a distinct job per enqueue.
	DedupNone DedupMode = iota
	// DedupSimple holds the token while the owning job is non-terminal.
	DedupSimple
	// DedupThrottle holds the token for a fixed TTL after enqueue.
	DedupThrottle
)

// JobState is the queue-owned lifecycle state of a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	// StatePreempted marks a job evicted by a higher-priority operation and
	// returned to the head of its user's pending queue. The next lease moves
	// it back to active without consuming an attempt.
	StatePreempted JobState = "preempted-requeued"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of work owned by the queue until terminal.
type Job struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Type           OpType          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	DedupID        string          `json:"dedup_id,omitempty"`
	Priority       PriorityTier    `json:"priority"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	BackoffBase    time.Duration   `json:"-"`
	BackoffMax     time.Duration   `json:"-"`
	Timeout        time.Duration   `json:"-"`
}

// Policy is the static execution policy attached to an operation type.
type Policy struct {
	Tier        PriorityTier
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Timeout     time.Duration
	Dedup       DedupMode
	DedupTTL    time.Duration
}

var writePolicy = Policy{
	Tier: TierWrite,
	// Writes mutate the ERP and are only safe to retry when the caller
	// supplies an idempotency key the ERP honors. Default is a single
	// attempt; config.WriteMaxAttempts raises it explicitly.
	MaxAttempts: 1,
	BackoffBase: 2 * time.Second,
	BackoffMax:  30 * time.Second,
	Timeout:     120 * time.Second,
	Dedup:       DedupThrottle,
	DedupTTL:    30 * time.Second,
}

var downloadPolicy = Policy{
	Tier:        TierDownload,
	MaxAttempts: 1,
	BackoffBase: time.Second,
	BackoffMax:  10 * time.Second,
	Timeout:     90 * time.Second,
	Dedup:       DedupNone,
}

var syncPolicy = Policy{
	Tier:        TierBackground,
	MaxAttempts: 3,
	BackoffBase: time.Second,
	BackoffMax:  time.Minute,
	Timeout:     300 * time.Second,
	Dedup:       DedupSimple,
}

var policies = map[OpType]Policy{
	OpSubmitOrder:    writePolicy,
	OpCreateCustomer: writePolicy,
	OpSendToRemote:   writePolicy,

	OpDownloadOrders:    downloadPolicy,
	OpDownloadCustomers: downloadPolicy,
	OpDownloadProducts:  downloadPolicy,
	OpDownloadPrices:    downloadPolicy,
	OpDownloadDDT:       downloadPolicy,
	OpDownloadInvoices:  downloadPolicy,

	OpSyncOrders:    syncPolicy,
	OpSyncCustomers: syncPolicy,
	OpSyncProducts:  syncPolicy,
	OpSyncPrices:    syncPolicy,
	OpSyncDDT:       syncPolicy,
	OpSyncInvoices:  syncPolicy,
}

// PolicyFor returns the execution policy for an operation type.
func PolicyFor(t OpType) (Policy, bool) {
	p, ok := policies[t]
	return p, ok
}

// DedupIDFor computes the deduplication id for an enqueue, or "" when the
// operation is not deduplicated. Syncs coalesce on type+user; writes coalesce
// on the caller-supplied idempotency key.
func DedupIDFor(t OpType, userID, idemKey string) string {
	p, ok := policies[t]
	if !ok {
		return ""
	}
	switch p.Dedup {
	case DedupSimple:
		return string(t) + ":" + userID
	case DedupThrottle:
		if idemKey == "" {
			return ""
		}
		return string(t) + ":" + idemKey
	default:
		return ""
	}
}

// Progress is the shape handlers report through the progress reporter.
type Progress struct {
	Phase   string `json:"phase"`
	Pct     int    `json:"pct"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc emits a progress update for the running job.
type ProgressFunc func(Progress)

// Handler executes one operation. The context carries the combined
// cancellation source (user cancel, preemption, timeout, lost lease);
// handlers must probe it between coarse steps and at least every ten items
// inside tight loops, and classify failures via Transient/Permanent.
type Handler interface {
	Handle(ctx context.Context, job Job, progress ProgressFunc) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job Job, progress ProgressFunc) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, job Job, progress ProgressFunc) error {
	return f(ctx, job, progress)
}
