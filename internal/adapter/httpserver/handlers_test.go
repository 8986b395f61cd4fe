package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/erpqueue/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/erpqueue/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/erpqueue/internal/config"
	"github.com/fairyhunter13/erpqueue/internal/domain"
)

const testSecret = "test-secret"

type stubQueue struct {
	enqueueFn func(ctx context.Context, userID string, t domain.OpType, payload json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error)
	getFn     func(ctx context.Context, jobID string) (domain.Job, error)
	cancelFn  func(ctx context.Context, jobID string) error
}

func (s *stubQueue) Enqueue(ctx context.Context, userID string, t domain.OpType, payload json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error) {
	if s.enqueueFn == nil {
		return "job-1", false, nil
	}
	return s.enqueueFn(ctx, userID, t, payload, opts)
}

func (s *stubQueue) Get(ctx context.Context, jobID string) (domain.Job, error) {
	if s.getFn == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	return s.getFn(ctx, jobID)
}

func (s *stubQueue) Cancel(ctx context.Context, jobID string) error {
	if s.cancelFn == nil {
		return nil
	}
	return s.cancelFn(ctx, jobID)
}

type stubStore struct {
	intervalsFn   func(ctx context.Context) (map[domain.OpType]int, error)
	setIntervalFn func(ctx context.Context, t domain.OpType, minutes int) error
	syncStatusFn  func(ctx context.Context, userID string) (map[domain.OpType]sqlite.AuditRecord, error)
	getAuditFn    func(ctx context.Context, jobID string) (sqlite.AuditRecord, error)
}

func (s *stubStore) Intervals(ctx context.Context) (map[domain.OpType]int, error) {
	if s.intervalsFn == nil {
		return map[domain.OpType]int{domain.OpSyncOrders: 60}, nil
	}
	return s.intervalsFn(ctx)
}

func (s *stubStore) SetInterval(ctx context.Context, t domain.OpType, minutes int) error {
	if s.setIntervalFn == nil {
		return nil
	}
	return s.setIntervalFn(ctx, t, minutes)
}

func (s *stubStore) SyncStatus(ctx context.Context, userID string) (map[domain.OpType]sqlite.AuditRecord, error) {
	if s.syncStatusFn == nil {
		return map[domain.OpType]sqlite.AuditRecord{}, nil
	}
	return s.syncStatusFn(ctx, userID)
}

func (s *stubStore) GetAudit(ctx context.Context, jobID string) (sqlite.AuditRecord, error) {
	if s.getAuditFn == nil {
		return sqlite.AuditRecord{}, domain.ErrNotFound
	}
	return s.getAuditFn(ctx, jobID)
}

func newTestRouter(q Queue, st Store) (*Server, http.Handler) {
	srv := NewServer(config.Config{JWTSecret: testSecret, WriteMaxAttempts: 1}, q, st, nil)
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(srv.Authenticate)
		r.Post("/api/operations/{ref}", srv.EnqueueHandler())
		r.Get("/api/operations/{ref}", srv.GetHandler())
		r.Post("/api/operations/{ref}/cancel", srv.CancelHandler())
		r.Group(func(sr chi.Router) {
			sr.Use(srv.RequireAdmin)
			sr.Get("/api/sync/intervals", srv.IntervalsHandler())
			sr.Post("/api/sync/intervals/{type}", srv.SetIntervalHandler())
			sr.Get("/api/sync/monitoring/status", srv.SyncStatusHandler())
		})
	})
	return srv, r
}

func signToken(t *testing.T, userID string, admin bool) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"admin": admin,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})

	rec := doRequest(r, http.MethodPost, "/api/operations/sync-orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/operations/sync-orders", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "UNAUTHENTICATED", env["error"].(map[string]any)["code"])
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	rec := doRequest(r, http.MethodGet, "/api/sync/intervals?token="+signToken(t, "ops", true), "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncRoutesRequireAdmin(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	tok := signToken(t, "u1", false)

	rec := doRequest(r, http.MethodGet, "/api/sync/intervals", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(r, http.MethodGet, "/api/sync/monitoring/status", tok, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(r, http.MethodPost, "/api/sync/intervals/sync-orders", tok, map[string]any{"minutes": 30})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEnqueueUnknownType(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	rec := doRequest(r, http.MethodPost, "/api/operations/make-coffee", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "INVALID_ARGUMENT", env["error"].(map[string]any)["code"])
}

func TestEnqueueSyncWithEmptyBody(t *testing.T) {
	var gotUser string
	var gotType domain.OpType
	q := &stubQueue{enqueueFn: func(_ context.Context, userID string, typ domain.OpType, _ json.RawMessage, _ redisq.EnqueueOptions) (string, bool, error) {
		gotUser, gotType = userID, typ
		return "job-42", false, nil
	}}
	_, r := newTestRouter(q, &stubStore{})

	rec := doRequest(r, http.MethodPost, "/api/operations/sync-orders", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "u1", gotUser)
	assert.Equal(t, domain.OpSyncOrders, gotType)

	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	assert.Equal(t, "job-42", data["jobId"])
	assert.Equal(t, false, data["coalesced"])
}

func TestEnqueueCoalescedReturns200(t *testing.T) {
	q := &stubQueue{enqueueFn: func(_ context.Context, _ string, _ domain.OpType, _ json.RawMessage, _ redisq.EnqueueOptions) (string, bool, error) {
		return "job-1", true, nil
	}}
	_, r := newTestRouter(q, &stubStore{})

	rec := doRequest(r, http.MethodPost, "/api/operations/sync-orders", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, true, env["data"].(map[string]any)["coalesced"])
}

func TestEnqueueWriteRequiresPayload(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	rec := doRequest(r, http.MethodPost, "/api/operations/submit-order", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueValidatesPayload(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	tok := signToken(t, "u1", false)

	// Missing lines fails validation.
	body := map[string]any{"payload": map[string]any{"customer_code": "C1", "lines": []any{}}}
	rec := doRequest(r, http.MethodPost, "/api/operations/submit-order", tok, body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A complete order goes through, idempotency key included.
	var gotOpts redisq.EnqueueOptions
	q := &stubQueue{enqueueFn: func(_ context.Context, _ string, _ domain.OpType, _ json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error) {
		gotOpts = opts
		return "job-1", false, nil
	}}
	_, r = newTestRouter(q, &stubStore{})
	body = map[string]any{
		"idempotencyKey": "order-ref-7",
		"payload": map[string]any{
			"customer_code": "C1",
			"lines":         []any{map[string]any{"product_code": "P1", "quantity": 2}},
		},
	}
	rec = doRequest(r, http.MethodPost, "/api/operations/submit-order", tok, body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "order-ref-7", gotOpts.IdempotencyKey)
}

func TestEnqueueRaisesWriteAttemptsWhenConfigured(t *testing.T) {
	var gotOpts redisq.EnqueueOptions
	q := &stubQueue{enqueueFn: func(_ context.Context, _ string, _ domain.OpType, _ json.RawMessage, opts redisq.EnqueueOptions) (string, bool, error) {
		gotOpts = opts
		return "job-1", false, nil
	}}
	srv := NewServer(config.Config{JWTSecret: testSecret, WriteMaxAttempts: 3}, q, &stubStore{}, nil)
	r := chi.NewRouter()
	r.With(srv.Authenticate).Post("/api/operations/{ref}", srv.EnqueueHandler())

	body := map[string]any{"payload": map[string]any{"entity_kind": "order", "entity_id": "o-9"}}
	rec := doRequest(r, http.MethodPost, "/api/operations/send-to-remote", signToken(t, "u1", false), body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 3, gotOpts.MaxAttemptsOverride)

	// Non-write tiers keep the policy budget.
	rec = doRequest(r, http.MethodPost, "/api/operations/sync-orders", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 0, gotOpts.MaxAttemptsOverride)
}

func TestGetJobOwnership(t *testing.T) {
	q := &stubQueue{getFn: func(_ context.Context, jobID string) (domain.Job, error) {
		return domain.Job{ID: jobID, UserID: "owner", Type: domain.OpSyncOrders, State: domain.StateActive, CreatedAt: time.Now()}, nil
	}}
	_, r := newTestRouter(q, &stubStore{})

	rec := doRequest(r, http.MethodGet, "/api/operations/j1", signToken(t, "owner", false), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	assert.Equal(t, "j1", data["id"])
	assert.NotZero(t, data["resumeAfter"])

	rec = doRequest(r, http.MethodGet, "/api/operations/j1", signToken(t, "intruder", false), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admins can read any user's jobs.
	rec = doRequest(r, http.MethodGet, "/api/operations/j1", signToken(t, "ops", true), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetFallsBackToAudit(t *testing.T) {
	finished := time.Now().Add(-time.Hour).Truncate(time.Second)
	st := &stubStore{getAuditFn: func(_ context.Context, jobID string) (sqlite.AuditRecord, error) {
		return sqlite.AuditRecord{
			JobID: jobID, UserID: "owner", Type: domain.OpSubmitOrder,
			State: domain.StateCompleted, Attempts: 1, FinishedAt: finished,
		}, nil
	}}
	_, r := newTestRouter(&stubQueue{}, st)

	rec := doRequest(r, http.MethodGet, "/api/operations/expired-job", signToken(t, "owner", false), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	assert.Equal(t, string(domain.StateCompleted), data["state"])
	assert.EqualValues(t, finished.UnixMilli(), data["resumeAfter"])
}

func TestGetUnknownJobIs404(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	rec := doRequest(r, http.MethodGet, "/api/operations/nope", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelChecksOwnershipBeforeCancelling(t *testing.T) {
	cancelled := false
	q := &stubQueue{
		getFn: func(_ context.Context, jobID string) (domain.Job, error) {
			return domain.Job{ID: jobID, UserID: "owner", State: domain.StatePending}, nil
		},
		cancelFn: func(_ context.Context, _ string) error {
			cancelled = true
			return nil
		},
	}
	_, r := newTestRouter(q, &stubStore{})

	rec := doRequest(r, http.MethodPost, "/api/operations/j1/cancel", signToken(t, "intruder", false), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, cancelled)

	rec = doRequest(r, http.MethodPost, "/api/operations/j1/cancel", signToken(t, "owner", false), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, cancelled)
}

func TestCancelTerminalJobIsConflict(t *testing.T) {
	q := &stubQueue{
		getFn: func(_ context.Context, jobID string) (domain.Job, error) {
			return domain.Job{ID: jobID, UserID: "u1", State: domain.StateCompleted}, nil
		},
		cancelFn: func(_ context.Context, _ string) error {
			return fmt.Errorf("%w: job already finished", domain.ErrConflict)
		},
	}
	_, r := newTestRouter(q, &stubStore{})
	rec := doRequest(r, http.MethodPost, "/api/operations/j1/cancel", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSetIntervalRequiresAdmin(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})

	body := map[string]any{"minutes": 30}
	rec := doRequest(r, http.MethodPost, "/api/sync/intervals/sync-orders", signToken(t, "u1", false), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var gotMinutes int
	st := &stubStore{setIntervalFn: func(_ context.Context, typ domain.OpType, minutes int) error {
		gotMinutes = minutes
		return nil
	}}
	_, r = newTestRouter(&stubQueue{}, st)
	rec = doRequest(r, http.MethodPost, "/api/sync/intervals/sync-orders", signToken(t, "ops", true), body)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 30, gotMinutes)
}

func TestSetIntervalBounds(t *testing.T) {
	_, r := newTestRouter(&stubQueue{}, &stubStore{})
	tok := signToken(t, "ops", true)

	for _, minutes := range []int{0, 4, 1441} {
		rec := doRequest(r, http.MethodPost, "/api/sync/intervals/sync-orders", tok, map[string]any{"minutes": minutes})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "minutes=%d", minutes)
	}
}

func TestSyncStatus(t *testing.T) {
	var askedUser string
	st := &stubStore{
		intervalsFn: func(_ context.Context) (map[domain.OpType]int, error) {
			return map[domain.OpType]int{domain.OpSyncOrders: 15}, nil
		},
		syncStatusFn: func(_ context.Context, userID string) (map[domain.OpType]sqlite.AuditRecord, error) {
			askedUser = userID
			return map[domain.OpType]sqlite.AuditRecord{
				domain.OpSyncOrders: {JobID: "j9", UserID: userID, State: domain.StateCompleted},
			}, nil
		},
	}
	_, r := newTestRouter(&stubQueue{}, st)
	tok := signToken(t, "ops", true)

	rec := doRequest(r, http.MethodGet, "/api/sync/monitoring/status", tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops", askedUser, "defaults to the caller")
	env := decodeEnvelope(t, rec)
	data := env["data"].(map[string]any)
	assert.Equal(t, float64(15), data["intervals"].(map[string]any)["sync-orders"])
	runs := data["lastRuns"].(map[string]any)
	assert.Equal(t, "j9", runs["sync-orders"].(map[string]any)["job_id"])

	// Admins can inspect any user's runs.
	rec = doRequest(r, http.MethodGet, "/api/sync/monitoring/status?userId=u7", tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u7", askedUser)
}

func TestQueueUnavailableMapsTo503(t *testing.T) {
	q := &stubQueue{enqueueFn: func(_ context.Context, _ string, _ domain.OpType, _ json.RawMessage, _ redisq.EnqueueOptions) (string, bool, error) {
		return "", false, fmt.Errorf("%w: redis down", domain.ErrQueueUnavailable)
	}}
	_, r := newTestRouter(q, &stubStore{})
	rec := doRequest(r, http.MethodPost, "/api/operations/sync-orders", signToken(t, "u1", false), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "QUEUE_UNAVAILABLE", env["error"].(map[string]any)["code"])
}
