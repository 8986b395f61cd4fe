// Package erpdriver is an HTTP client for the browser-automation sidecar
// that drives the legacy ERP web UI. The sidecar owns sessions, navigation,
// and scraping; this client maps its REST surface onto the handlers.Driver
// port and classifies failures for the retry taxonomy.
package erpdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fairyhunter13/erpqueue/internal/domain"
	"github.com/fairyhunter13/erpqueue/internal/handlers"
)

// Client talks to the automation sidecar. Timeouts here are transport-level;
// operation deadlines come from the caller's context.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client with a default transport timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Login ensures the sidecar holds a live ERP session for the user.
func (c *Client) Login(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(userID)+"/login", nil, nil)
}

type pageResponse struct {
	Rows []struct {
		Key    string            `json:"key"`
		Fields map[string]string `json:"fields"`
	} `json:"rows"`
	More bool `json:"more"`
}

// FetchPage retrieves one page of a dataset listing.
func (c *Client) FetchPage(ctx context.Context, userID, dataset string, page int) ([]handlers.Row, bool, error) {
	path := "/data/" + url.PathEscape(userID) + "/" + url.PathEscape(dataset) + "?page=" + strconv.Itoa(page)
	var out pageResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, false, err
	}
	rows := make([]handlers.Row, 0, len(out.Rows))
	for _, r := range out.Rows {
		rows = append(rows, handlers.Row{Key: r.Key, Fields: r.Fields})
	}
	return rows, out.More, nil
}

// DownloadPDF retrieves the PDF listing for a document kind.
func (c *Client) DownloadPDF(ctx context.Context, userID, kind, documentID string) ([]byte, error) {
	path := "/pdf/" + url.PathEscape(userID) + "/" + url.PathEscape(kind)
	if documentID != "" {
		path += "?documentId=" + url.QueryEscape(documentID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", handlers.ErrDriverUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading pdf body: %v", handlers.ErrDriverUnavailable, err)
	}
	return data, nil
}

type submitOrderResponse struct {
	OrderRef string `json:"orderRef"`
}

// SubmitOrder places an order through the sidecar.
func (c *Client) SubmitOrder(ctx context.Context, userID string, order domain.SubmitOrderPayload, idemKey string) (string, error) {
	body := map[string]any{"order": order, "idempotencyKey": idemKey}
	var out submitOrderResponse
	if err := c.do(ctx, http.MethodPost, "/write/"+url.PathEscape(userID)+"/orders", body, &out); err != nil {
		return "", err
	}
	return out.OrderRef, nil
}

type createCustomerResponse struct {
	CustomerCode string `json:"customerCode"`
}

// CreateCustomer creates a customer record through the sidecar.
func (c *Client) CreateCustomer(ctx context.Context, userID string, customer domain.CreateCustomerPayload, idemKey string) (string, error) {
	body := map[string]any{"customer": customer, "idempotencyKey": idemKey}
	var out createCustomerResponse
	if err := c.do(ctx, http.MethodPost, "/write/"+url.PathEscape(userID)+"/customers", body, &out); err != nil {
		return "", err
	}
	return out.CustomerCode, nil
}

// SendToRemote pushes a locally stored entity into the ERP.
func (c *Client) SendToRemote(ctx context.Context, userID, entityKind, entityID, idemKey string) error {
	body := map[string]any{"entityKind": entityKind, "entityId": entityID, "idempotencyKey": idemKey}
	return c.do(ctx, http.MethodPost, "/write/"+url.PathEscape(userID)+"/send", body, nil)
}

// do performs a JSON request/response round trip.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=driver.marshal: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS, transport timeout: the sidecar seat is
		// down or wedged, worth retrying.
		return fmt.Errorf("%w: %v", handlers.ErrDriverUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if err := classifyStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", handlers.ErrDriverUnavailable, err)
	}
	return nil
}

// classifyStatus maps sidecar status codes: 5xx/408/429 are transient seat
// trouble, other non-2xx are hard failures carried verbatim.
func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", handlers.ErrDriverUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return fmt.Errorf("driver status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}
