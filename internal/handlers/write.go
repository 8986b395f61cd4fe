package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// WriteHandler executes ERP-mutating operations. Every call passes the job's
// idempotency key through to the driver so a retried submission is recognized
// instead of duplicated.
type WriteHandler struct {
	driver Driver
}

// NewWriteHandler constructs a WriteHandler.
func NewWriteHandler(driver Driver) *WriteHandler {
	return &WriteHandler{driver: driver}
}

// Handle dispatches on the operation type. Unknown types are a registration
// bug and fail permanently.
func (h *WriteHandler) Handle(ctx context.Context, job domain.Job, progress domain.ProgressFunc) error {
	progress(domain.Progress{Phase: "login", Pct: 0})
	if err := h.driver.Login(ctx, job.UserID); err != nil {
		return classify(err)
	}
	progress(domain.Progress{Phase: "submit", Pct: 40})

	switch job.Type {
	case domain.OpSubmitOrder:
		var payload domain.SubmitOrderPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return domain.Permanent(fmt.Errorf("malformed order payload: %w", err))
		}
		ref, err := h.driver.SubmitOrder(ctx, job.UserID, payload, job.IdempotencyKey)
		if err != nil {
			return classify(err)
		}
		progress(domain.Progress{Phase: "done", Pct: 100, Message: ref})
		return nil

	case domain.OpCreateCustomer:
		var payload domain.CreateCustomerPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return domain.Permanent(fmt.Errorf("malformed customer payload: %w", err))
		}
		code, err := h.driver.CreateCustomer(ctx, job.UserID, payload, job.IdempotencyKey)
		if err != nil {
			return classify(err)
		}
		progress(domain.Progress{Phase: "done", Pct: 100, Message: code})
		return nil

	case domain.OpSendToRemote:
		var payload domain.SendToRemotePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return domain.Permanent(fmt.Errorf("malformed send payload: %w", err))
		}
		if err := h.driver.SendToRemote(ctx, job.UserID, payload.EntityKind, payload.EntityID, job.IdempotencyKey); err != nil {
			return classify(err)
		}
		progress(domain.Progress{Phase: "done", Pct: 100})
		return nil

	default:
		return domain.Permanent(fmt.Errorf("write handler bound to unexpected type %q", job.Type))
	}
}
