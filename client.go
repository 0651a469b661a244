// Package invoicesync is the offline-first synchronization core of the
// invoicing app: a realtime invalidation channel, per-entity controllers with
// durable mutation queues, and an incremental delta sync.
//
// Example:
//
//	client := invoicesync.NewClient("https://api.example.com")
//	store, _ := invoicesync.OpenSQLiteStore("state.db")
//	mgr := invoicesync.NewManager(store, client, nil)
//	_ = mgr.Start(ctx)
//	defer mgr.Close()
//
//	inv := mgr.Invoices.Create(ctx, invoicesync.Invoice{InvoiceNumber: "A1"})
package invoicesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout   = 30 * time.Second
	defaultUserAgent = "invoicesync-go"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the invoicing REST API.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client

	invoices  *InvoicesAPI
	customers *Resource[Customer]
	orders    *Resource[Order]
	settings  *Resource[Settings]
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: defaultUserAgent,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.invoices = &InvoicesAPI{Resource: &Resource[Invoice]{client: c, path: "/invoices"}}
	c.customers = &Resource[Customer]{client: c, path: "/customers"}
	c.orders = &Resource[Order]{client: c, path: "/orders"}
	c.settings = &Resource[Settings]{client: c, path: "/settings"}
	return c
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Invoices() *InvoicesAPI { return c.invoices }
func (c *Client) Customers() *Resource[Customer] { return c.customers }
func (c *Client) Orders() *Resource[Order] { return c.orders }
func (c *Client) Settings() *Resource[Settings] { return c.settings }

// Changes fetches every record changed since the given instant.
func (c *Client) Changes(ctx context.Context, since time.Time) (*ChangesResult, error) {
	var out ChangesResult
	q := map[string]string{"since": since.UTC().Format(time.RFC3339Nano)}
	if err := c.doRequest(ctx, http.MethodGet, "/sync/changes", nil, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health probes the API root; used by the reachability monitor.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodHead, "/health", nil, nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// decodeAPIError accepts both {"error":{"code","message"}} and {"code","message"} bodies.
func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{Status: status}
	var wrapped struct {
		Error *APIError `json:"error"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.Error != nil {
		apiErr.Code, apiErr.Message = wrapped.Error.Code, wrapped.Error.Message
	} else if json.Unmarshal(data, apiErr) != nil || (apiErr.Code == "" && apiErr.Message == "") {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// ============================================================================
// Resources
// ============================================================================

// Resource is the CRUD surface of one entity collection.
type Resource[T Record] struct {
	client *Client
	path   string
}

func (r *Resource[T]) itemPath(key string) string {
	return r.path + "/" + url.PathEscape(key)
}

func (r *Resource[T]) List(ctx context.Context, filters map[string]string) ([]T, error) {
	var out []T
	if err := r.client.doRequest(ctx, http.MethodGet, r.path, nil, filters, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resource[T]) Create(ctx context.Context, rec T) (T, error) {
	var out T
	err := r.client.doRequest(ctx, http.MethodPost, r.path, rec, nil, &out)
	return out, err
}

func (r *Resource[T]) Update(ctx context.Context, key string, fields Fields) (T, error) {
	var out T
	err := r.client.doRequest(ctx, http.MethodPatch, r.itemPath(key), fields, nil, &out)
	return out, err
}

func (r *Resource[T]) Delete(ctx context.Context, key string) error {
	return r.client.doRequest(ctx, http.MethodDelete, r.itemPath(key), nil, nil, nil)
}

// InvoicesAPI adds payment recording to the invoice resource.
type InvoicesAPI struct {
	*Resource[Invoice]
}

func (a *InvoicesAPI) RecordPayment(ctx context.Context, invoiceNumber string, p Payment) (Invoice, error) {
	var out Invoice
	err := a.client.doRequest(ctx, http.MethodPost, a.itemPath(invoiceNumber)+"/payments", p, nil, &out)
	return out, err
}
