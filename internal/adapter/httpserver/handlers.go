package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/erpqueue/internal/config"
	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// Queue is the queue surface the REST handlers need.
type Queue interface {
	Enqueue(ctx context.Context, userID string, t domain.OpType, payload json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	Cancel(ctx context.Context, jobID string) error
}

// Store is the persistence surface the REST handlers need: interval admin,
// run history, and the terminal audit consulted when the queue's record has
// expired.
type Store interface {
	Intervals(ctx context.Context) (map[domain.OpType]int, error)
	SetInterval(ctx context.Context, t domain.OpType, minutes int) error
	SyncStatus(ctx context.Context, userID string) (map[domain.OpType]sqlite.AuditRecord, error)
	GetAudit(ctx context.Context, jobID string) (sqlite.AuditRecord, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Queue    Queue
	Store    Store
	Hub      WSHub
	validate *validator.Validate
}

// WSHub upgrades authenticated requests onto the real-time hub.
type WSHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string, resumeAfter int64) error
}

// NewServer constructs a Server.
func NewServer(cfg config.Config, q Queue, st Store, hub WSHub) *Server {
	return &Server{Cfg: cfg, Queue: q, Store: st, Hub: hub, validate: validator.New()}
}

type enqueueRequest struct {
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type enqueueResponse struct {
	JobID     string `json:"jobId"`
	Coalesced bool   `json:"coalesced"`
}

// jobView is the REST projection of a job. ResumeAfter feeds straight into
// the WebSocket reconnect query so no events in between are lost.
type jobView struct {
	ID          string          `json:"id"`
	Type        domain.OpType   `json:"type"`
	State       domain.JobState `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ResumeAfter int64           `json:"resumeAfter"`
}

// EnqueueHandler accepts a new operation for the authenticated user.
func (s *Server) EnqueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		t := domain.OpType(chi.URLParam(r, "ref"))
		if !t.Valid() {
			writeError(w, r, fmt.Errorf("%w: unknown operation type %q", domain.ErrInvalidArgument, t), nil)
			return
		}
		var req enqueueRequest
		// An empty body is fine for operations whose payload is optional.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		decoded, err := domain.DecodePayload(t, req.Payload)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if decoded != nil {
			if err := s.validate.Struct(decoded); err != nil {
				writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
				return
			}
		}

		opts := redisq.EnqueueOptions{IdempotencyKey: req.IdempotencyKey}
		if p, _ := domain.PolicyFor(t); p.Tier == domain.TierWrite && s.Cfg.WriteMaxAttempts > 1 {
			opts.MaxAttemptsOverride = s.Cfg.WriteMaxAttempts
		}
		jobID, coalesced, err := s.Queue.Enqueue(r.Context(), claims.UserID, t, req.Payload, opts)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := http.StatusAccepted
		if coalesced {
			status = http.StatusOK
		}
		writeData(w, status, enqueueResponse{JobID: jobID, Coalesced: coalesced})
	}
}

// GetHandler returns a job's current state, consulting the terminal audit
// when the queue's own record has expired.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		jobID := chi.URLParam(r, "ref")

		job, err := s.Queue.Get(r.Context(), jobID)
		if errors.Is(err, domain.ErrNotFound) {
			rec, aerr := s.Store.GetAudit(r.Context(), jobID)
			if aerr != nil {
				writeError(w, r, aerr, nil)
				return
			}
			if rec.UserID != claims.UserID && !claims.Admin {
				writeError(w, r, fmt.Errorf("%w: job belongs to another user", domain.ErrForbidden), nil)
				return
			}
			writeData(w, http.StatusOK, jobView{
				ID:          rec.JobID,
				Type:        rec.Type,
				State:       rec.State,
				Attempts:    rec.Attempts,
				LastError:   rec.Error,
				CreatedAt:   rec.FinishedAt,
				ResumeAfter: rec.FinishedAt.UnixMilli(),
			})
			return
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.UserID != claims.UserID && !claims.Admin {
			writeError(w, r, fmt.Errorf("%w: job belongs to another user", domain.ErrForbidden), nil)
			return
		}
		writeData(w, http.StatusOK, jobView{
			ID:          job.ID,
			Type:        job.Type,
			State:       job.State,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
			LastError:   job.LastError,
			CreatedAt:   job.CreatedAt,
			ResumeAfter: time.Now().UnixMilli(),
		})
	}
}

// CancelHandler cancels a job: queued jobs die immediately, a running job
// gets a cooperative cancellation signal.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		jobID := chi.URLParam(r, "ref")

		job, err := s.Queue.Get(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if job.UserID != claims.UserID && !claims.Admin {
			writeError(w, r, fmt.Errorf("%w: job belongs to another user", domain.ErrForbidden), nil)
			return
		}
		if err := s.Queue.Cancel(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"jobId": jobID, "cancelled": true})
	}
}

type intervalRequest struct {
	Minutes int `json:"minutes" validate:"required,min=5,max=1440"`
}

// IntervalsHandler lists effective sync intervals per sync type; admin only.
func (s *Server) IntervalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		intervals, err := s.Store.Intervals(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, intervals)
	}
}

// SetIntervalHandler stores the sync interval for one sync type; admin only.
func (s *Server) SetIntervalHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := domain.OpType(chi.URLParam(r, "type"))
		var req intervalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.validate.Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		if err := s.Store.SetInterval(r.Context(), t, req.Minutes); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"type": t, "minutes": req.Minutes})
	}
}

type syncStatusView struct {
	Intervals map[domain.OpType]int                `json:"intervals"`
	LastRuns  map[domain.OpType]sqlite.AuditRecord `json:"lastRuns"`
}

// SyncStatusHandler reports the last run per sync type plus the effective
// intervals; admin only. The userId query selects which user's runs to
// inspect, defaulting to the caller.
func (s *Server) SyncStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthenticated), nil)
			return
		}
		userID := claims.UserID
		if u := r.URL.Query().Get("userId"); u != "" {
			userID = u
		}
		intervals, err := s.Store.Intervals(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		runs, err := s.Store.SyncStatus(r.Context(), userID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, http.StatusOK, syncStatusView{Intervals: intervals, LastRuns: runs})
	}
}
