package realtime

import (
	"time"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// ring is the per-user replay buffer, bounded by both count and age.
// Append and eviction are the only mutations. Transient event kinds are
// never stored; the publisher filters them before calling append.
type ring struct {
	max int
	ttl time.Duration

	events []domain.Event
}

func newRing(max int, ttl time.Duration) *ring {
	return &ring{max: max, ttl: ttl}
}

func (r *ring) append(ev domain.Event) {
	r.events = append(r.events, ev)
	r.evict(time.Now())
}

func (r *ring) evict(now time.Time) {
	cutoff := now.Add(-r.ttl).UnixMilli()
	i := 0
	for i < len(r.events) && r.events[i].Timestamp < cutoff {
		i++
	}
	if over := len(r.events) - i - r.max; over > 0 {
		i += over
	}
	if i > 0 {
		r.events = append(r.events[:0:0], r.events[i:]...)
	}
}

// after returns buffered events strictly newer than the given unix-ms
// timestamp, oldest first. after(0) returns everything still buffered.
func (r *ring) after(ts int64) []domain.Event {
	r.evict(time.Now())
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Timestamp > ts {
			out = append(out, ev)
		}
	}
	return out
}

func (r *ring) len() int { return len(r.events) }
