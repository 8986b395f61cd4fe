// Package handlers implements the operation handlers behind the processor:
// ERP data syncs, interactive PDF downloads, and ERP-mutating writes. The
// browser automation driver and the business database are ports; handlers
// own cancellation probing, progress reporting, and error classification.
package handlers

import (
	"context"
	"errors"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// ErrDriverUnavailable marks driver failures worth retrying: the legacy
// web UI timed out, the session dropped, or the automation seat crashed.
var ErrDriverUnavailable = errors.New("erp driver unavailable")

// Row is one record fetched from the legacy ERP listing, keyed for upsert.
type Row struct {
	Key    string
	Fields map[string]string
}

// Driver is the opaque browser-automation collaborator. Implementations are
// expected to manage their own session cookies and login state per user.
type Driver interface {
	Login(ctx context.Context, userID string) error
	// FetchPage returns one page of rows for a dataset, with more=false on
	// the last page. Pages start at 1.
	FetchPage(ctx context.Context, userID, dataset string, page int) (rows []Row, more bool, err error)
	// DownloadPDF retrieves the PDF listing for a document kind.
	DownloadPDF(ctx context.Context, userID, kind, documentID string) ([]byte, error)
	// SubmitOrder places an order in the ERP. The idempotency key is passed
	// through so a retried submission is recognized by the back-end.
	SubmitOrder(ctx context.Context, userID string, order domain.SubmitOrderPayload, idemKey string) (orderRef string, err error)
	CreateCustomer(ctx context.Context, userID string, customer domain.CreateCustomerPayload, idemKey string) (customerCode string, err error)
	SendToRemote(ctx context.Context, userID, entityKind, entityID, idemKey string) error
}

// SyncStore provides transactional upserts for synced business data. The
// queue core is agnostic to the schema behind it.
type SyncStore interface {
	UpsertBatch(ctx context.Context, userID, dataset string, rows []Row) (int, error)
}

// classify maps a driver error onto the retry taxonomy. Context expiry is
// passed through untouched so the processor can distinguish its own
// cancellation causes from handler failures.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrDriverUnavailable) {
		return domain.Transient(err)
	}
	return domain.Permanent(err)
}
