package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// batchSize is the number of rows upserted per transaction; the cancel probe
// between batches keeps the wind-down window honest even on large imports.
const batchSize = 50

// SyncHandler imports one dataset from the legacy ERP into the local store.
type SyncHandler struct {
	driver Driver
	store  SyncStore
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(driver Driver, store SyncStore) *SyncHandler {
	return &SyncHandler{driver: driver, store: store}
}

// dataset maps a sync operation type to the driver dataset name.
func dataset(t domain.OpType) string {
	return strings.TrimPrefix(string(t), "sync-")
}

// Handle runs the sync: login, page through the listing, upsert in batches.
// The context carries the combined cancellation source; it is probed between
// pages, between batches, and at least every ten rows inside a batch copy.
func (h *SyncHandler) Handle(ctx context.Context, job domain.Job, progress domain.ProgressFunc) error {
	var payload domain.SyncPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return domain.Permanent(fmt.Errorf("malformed sync payload: %w", err))
		}
	}
	ds := dataset(job.Type)

	progress(domain.Progress{Phase: "login", Pct: 0})
	if err := h.driver.Login(ctx, job.UserID); err != nil {
		return classify(err)
	}

	total := 0
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, more, err := h.driver.FetchPage(ctx, job.UserID, ds, page)
		if err != nil {
			return classify(err)
		}
		for start := 0; start < len(rows); start += batchSize {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(start+batchSize, len(rows))
			n, err := h.store.UpsertBatch(ctx, job.UserID, ds, rows[start:end])
			if err != nil {
				// A failed batch is worth a retry; the upsert is
				// transactional so nothing partial was written.
				return domain.Transient(fmt.Errorf("upsert %s batch: %w", ds, err))
			}
			total += n
		}
		// Pct is an estimate: page count is unknown until the last page.
		pct := 10 + page*10
		if pct > 95 {
			pct = 95
		}
		progress(domain.Progress{
			Phase:   "import",
			Pct:     pct,
			Message: fmt.Sprintf("%d rows", total),
		})
		if !more {
			break
		}
		page++
	}

	slog.Debug("sync finished",
		slog.String("dataset", ds),
		slog.String("user_id", job.UserID),
		slog.Int("rows", total),
		slog.Bool("full", payload.Full))
	progress(domain.Progress{Phase: "done", Pct: 100, Message: fmt.Sprintf("%d rows", total)})
	return nil
}
