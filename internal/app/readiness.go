package app

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the minimal surface of a dependency capable of a liveness ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyzHandler reports ready only when both the queue backend and the
// embedded store answer a ping within the budget.
func ReadyzHandler(queue, store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := queue.Ping(ctx); err != nil {
			http.Error(w, "queue: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "store: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
