package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/domain"
)

// DownloadHandler fetches one PDF listing from the ERP and spools it to disk
// for the frontend to pick up. Parsing the PDF is a separate collaborator's
// job.
type DownloadHandler struct {
	driver   Driver
	spoolDir string
}

// NewDownloadHandler constructs a DownloadHandler spooling into dir.
func NewDownloadHandler(driver Driver, dir string) *DownloadHandler {
	return &DownloadHandler{driver: driver, spoolDir: dir}
}

// kind maps a download operation type to the driver document kind.
func kind(t domain.OpType) string {
	return strings.TrimPrefix(string(t), "download-pdf-")
}

// Handle logs in, downloads the document, and writes it atomically into the
// spool directory (temp file + rename, removed on any failure path).
func (h *DownloadHandler) Handle(ctx context.Context, job domain.Job, progress domain.ProgressFunc) error {
	var payload domain.DownloadPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return domain.Permanent(fmt.Errorf("malformed download payload: %w", err))
		}
	}
	k := kind(job.Type)

	progress(domain.Progress{Phase: "login", Pct: 0})
	if err := h.driver.Login(ctx, job.UserID); err != nil {
		return classify(err)
	}

	progress(domain.Progress{Phase: "download", Pct: 30})
	data, err := h.driver.DownloadPDF(ctx, job.UserID, k, payload.DocumentID)
	if err != nil {
		return classify(err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(h.spoolDir, 0o750); err != nil {
		return domain.Permanent(fmt.Errorf("spool dir: %w", err))
	}
	tmp, err := os.CreateTemp(h.spoolDir, "pdf-*")
	if err != nil {
		return domain.Permanent(fmt.Errorf("spool temp: %w", err))
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		return domain.Permanent(fmt.Errorf("spool write: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return domain.Permanent(fmt.Errorf("spool close: %w", err))
	}

	name := fmt.Sprintf("%s-%s-%d.pdf", k, job.UserID, time.Now().UnixMilli())
	final := filepath.Join(h.spoolDir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return domain.Permanent(fmt.Errorf("spool rename: %w", err))
	}

	progress(domain.Progress{
		Phase:   "done",
		Pct:     100,
		Message: fmt.Sprintf("%s (%d bytes)", name, len(data)),
	})
	return nil
}
