package domain

import (
	"encoding/json"
	"fmt"
)

// Operation payloads are a sum over operation types: each type has a fully
// specified shape, decoded and validated at enqueue rather than in flight.

// OrderLine is one row of an order submission.
type OrderLine struct {
	ProductCode string  `json:"product_code" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
}

// SubmitOrderPayload drives the submit-order write.
type SubmitOrderPayload struct {
	CustomerCode string      `json:"customer_code" validate:"required"`
	Reference    string      `json:"reference,omitempty"`
	Lines        []OrderLine `json:"lines" validate:"required,min=1,dive"`
	Notes        string      `json:"notes,omitempty"`
}

// CreateCustomerPayload drives the create-customer write.
type CreateCustomerPayload struct {
	Name    string `json:"name" validate:"required"`
	VATCode string `json:"vat_code,omitempty"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// SendToRemotePayload pushes an already-validated local entity to the ERP.
type SendToRemotePayload struct {
	EntityKind string `json:"entity_kind" validate:"required,oneof=order customer"`
	EntityID   string `json:"entity_id" validate:"required"`
}

// DownloadPayload drives the download-pdf-* operations.
type DownloadPayload struct {
	// DocumentID narrows the download to one document; empty downloads the
	// current listing for the kind.
	DocumentID string `json:"document_id,omitempty"`
	Year       int    `json:"year,omitempty" validate:"omitempty,gte=2000,lte=2100"`
}

// SyncPayload drives the sync-* operations.
type SyncPayload struct {
	// Full forces a complete re-import instead of a delta pass.
	Full bool `json:"full,omitempty"`
}

// DecodePayload parses raw into the payload variant for t. A nil or empty
// raw decodes to the zero value for types whose payload is optional.
func DecodePayload(t OpType, raw json.RawMessage) (any, error) {
	decode := func(v any) (any, error) {
		if len(raw) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%w: payload for %s: %v", ErrInvalidArgument, t, err)
		}
		return v, nil
	}
	switch t {
	case OpSubmitOrder:
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidArgument, t)
		}
		return decode(&SubmitOrderPayload{})
	case OpCreateCustomer:
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidArgument, t)
		}
		return decode(&CreateCustomerPayload{})
	case OpSendToRemote:
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: %s requires a payload", ErrInvalidArgument, t)
		}
		return decode(&SendToRemotePayload{})
	case OpDownloadOrders, OpDownloadCustomers, OpDownloadProducts,
		OpDownloadPrices, OpDownloadDDT, OpDownloadInvoices:
		return decode(&DownloadPayload{})
	case OpSyncOrders, OpSyncCustomers, OpSyncProducts,
		OpSyncPrices, OpSyncDDT, OpSyncInvoices:
		return decode(&SyncPayload{})
	default:
		return nil, fmt.Errorf("%w: unknown operation type %q", ErrInvalidArgument, t)
	}
}
