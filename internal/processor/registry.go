package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// Registration binds an operation type to its handler and effective policy.
type Registration struct {
	Handler domain.Handler
	Policy  domain.Policy
}

// Registry maps operation types to handlers. Registration happens at startup;
// lookups are concurrent with processing.
type Registry struct {
	mu sync.RWMutex
	m  map[domain.OpType]Registration
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[domain.OpType]Registration)}
}

// Register binds a handler under the static policy for its type.
func (r *Registry) Register(t domain.OpType, h domain.Handler) error {
	p, ok := domain.PolicyFor(t)
	if !ok {
		return fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidArgument, t)
	}
	return r.RegisterWithPolicy(t, h, p)
}

// RegisterWithPolicy binds a handler under an explicit policy.
func (r *Registry) RegisterWithPolicy(t domain.OpType, h domain.Handler, p domain.Policy) error {
	if h == nil {
		return fmt.Errorf("%w: nil handler for %q", domain.ErrInvalidArgument, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[t]; dup {
		return fmt.Errorf("%w: handler already registered for %q", domain.ErrConflict, t)
	}
	r.m[t] = Registration{Handler: h, Policy: p}
	return nil
}

// Lookup returns the registration for an operation type.
func (r *Registry) Lookup(t domain.OpType) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.m[t]
	return reg, ok
}

// ApplyTimeoutOverrides installs per-type handler timeouts from
// OPERATION_TIMEOUTS_JSON. Unknown types are ignored.
func (r *Registry) ApplyTimeoutOverrides(overrides map[string]time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t, d := range overrides {
		if reg, ok := r.m[domain.OpType(t)]; ok {
			reg.Policy.Timeout = d
			r.m[domain.OpType(t)] = reg
		}
	}
}

// Types returns the registered operation types.
func (r *Registry) Types() []domain.OpType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.OpType, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}
