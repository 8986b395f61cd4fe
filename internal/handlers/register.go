package handlers

import (
	"fmt"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/processor"
)

// Options configures RegisterAll.
type Options struct {
	// SpoolDir is where downloaded PDFs land for pickup.
	SpoolDir string
	// WriteMaxAttempts raises the single-attempt default for writes. Only
	// meaningful when the ERP honors idempotency keys on resubmission.
	WriteMaxAttempts int
}

// RegisterAll binds every operation type to its handler: writes, downloads,
// and syncs share one handler instance per family.
func RegisterAll(reg *processor.Registry, driver Driver, store SyncStore, opts Options) error {
	writes := NewWriteHandler(driver)
	downloads := NewDownloadHandler(driver, opts.SpoolDir)
	syncs := NewSyncHandler(driver, store)

	for _, t := range domain.AllOpTypes {
		p, ok := domain.PolicyFor(t)
		if !ok {
			return fmt.Errorf("%w: no policy for %q", domain.ErrInvalidArgument, t)
		}
		var h domain.Handler
		switch p.Tier {
		case domain.TierWrite:
			h = writes
			if opts.WriteMaxAttempts > 1 {
				p.MaxAttempts = opts.WriteMaxAttempts
			}
		case domain.TierDownload:
			h = downloads
		default:
			h = syncs
		}
		if err := reg.RegisterWithPolicy(t, h, p); err != nil {
			return fmt.Errorf("register %q: %w", t, err)
		}
	}
	return nil
}
