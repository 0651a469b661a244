package invoicesync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

var (
	// ErrNotFound is reported when the remote has no record for a key.
	ErrNotFound = errors.New("not found")
	// ErrConflict is reported when the remote already holds the record being created.
	ErrConflict = errors.New("conflict")
	// ErrUnknownKey is returned for local operations on a key missing from the snapshot.
	ErrUnknownKey = errors.New("unknown key")
	// ErrPaymentsUnsupported is returned by RecordPayment on entity kinds without payments.
	ErrPaymentsUnsupported = errors.New("entity kind does not record payments")
	// ErrSyncInProgress rejects overlapping incremental sync runs.
	ErrSyncInProgress = errors.New("Sync already in progress")
)

// APIError represents an error response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Unwrap maps the response onto the package sentinels so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound || e.Code == "NOT_FOUND":
		return ErrNotFound
	case e.Status == http.StatusConflict || e.Code == "CONFLICT" || e.Code == "DUPLICATE":
		return ErrConflict
	}
	return nil
}

// IsNotFound reports whether err signals that the remote entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Record is an entity held in a controller snapshot.
type Record interface {
	// SyncKey returns the stable business key (invoice number, phone, order id).
	SyncKey() string
	// LastModified returns the server updatedAt timestamp, zero when unknown.
	LastModified() time.Time
}

func modified(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// ============================================================================
// Invoices
// ============================================================================

// LineItem is a single billed line on an invoice or order.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
}

// Payment is one payment recorded against an invoice.
type Payment struct {
	Amount    float64   `json:"amount"`
	Method    string    `json:"method"`
	Reference string    `json:"reference,omitempty"`
	PaidAt    time.Time `json:"paidAt"`
}

// Invoice is keyed by its invoice number.
type Invoice struct {
	InvoiceNumber string     `json:"invoiceNumber"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	Total         float64    `json:"total"`
	Status        string     `json:"status,omitempty"`
	DueDate       string     `json:"dueDate,omitempty"`
	Payments      []Payment  `json:"payments,omitempty"`
	Confirmed     bool       `json:"confirmed,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

func (i Invoice) SyncKey() string         { return i.InvoiceNumber }
func (i Invoice) LastModified() time.Time { return modified(i.UpdatedAt) }

// AmountPaid sums the recorded payments.
func (i Invoice) AmountPaid() float64 {
	var sum float64
	for _, p := range i.Payments {
		sum += p.Amount
	}
	return sum
}

func applyInvoicePayment(inv Invoice, p Payment) Invoice {
	payments := make([]Payment, 0, len(inv.Payments)+1)
	payments = append(payments, inv.Payments...)
	inv.Payments = append(payments, p)
	return inv
}

// ============================================================================
// Customers, Orders, Settings
// ============================================================================

// Customer is keyed by phone number.
type Customer struct {
	Phone     string     `json:"phone"`
	Name      string     `json:"name"`
	Email     string     `json:"email,omitempty"`
	Address   string     `json:"address,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

func (c Customer) SyncKey() string         { return c.Phone }
func (c Customer) LastModified() time.Time { return modified(c.UpdatedAt) }

// Order is a pending customer order keyed by id.
type Order struct {
	ID            string     `json:"id"`
	CustomerPhone string     `json:"customerPhone,omitempty"`
	Items         []LineItem `json:"items,omitempty"`
	Status        string     `json:"status,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

func (o Order) SyncKey() string         { return o.ID }
func (o Order) LastModified() time.Time { return modified(o.UpdatedAt) }

// Settings holds business profile settings. There is normally one record.
type Settings struct {
	ID            string     `json:"id"`
	BusinessName  string     `json:"businessName,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	TaxRate       float64    `json:"taxRate,omitempty"`
	InvoicePrefix string     `json:"invoicePrefix,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

func (s Settings) SyncKey() string         { return s.ID }
func (s Settings) LastModified() time.Time { return modified(s.UpdatedAt) }

// ============================================================================
// Incremental Sync Types
// ============================================================================

// ChangesResult is the response of GET /sync/changes.
type ChangesResult struct {
	Invoices      []Invoice  `json:"invoices"`
	Customers     []Customer `json:"customers"`
	PendingOrders []Order    `json:"pendingOrders"`
	ServerTime    time.Time  `json:"serverTime"`
}

// SyncCounts reports how many records of each kind a sync pulled.
type SyncCounts struct {
	Invoices      int `json:"invoices"`
	Customers     int `json:"customers"`
	PendingOrders int `json:"pendingOrders"`
}

// SyncResult is the structured outcome of an incremental sync run.
type SyncResult struct {
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	Counts     SyncCounts `json:"counts"`
	ServerTime time.Time  `json:"serverTime,omitempty"`
}

// SyncWatermark describes the incremental sync position.
type SyncWatermark struct {
	LastSyncedAt  *time.Time `json:"lastSyncedAt"`
	IsSyncing     bool       `json:"isSyncing"`
	LastSyncError string     `json:"lastSyncError,omitempty"`
}

// ============================================================================
// Field Merging
// ============================================================================

// Fields is a partial update: JSON field name to new value.
type Fields map[string]any

// mergeFields overlays fields onto rec using the record's JSON shape.
func mergeFields[T any](rec T, fields Fields) (T, error) {
	var out T
	base, err := json.Marshal(rec)
	if err != nil {
		return out, fmt.Errorf("marshal record: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(base, &m); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	for k, v := range fields {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return out, fmt.Errorf("marshal merged record: %w", err)
	}
	if err := json.Unmarshal(merged, &out); err != nil {
		return out, fmt.Errorf("decode merged record: %w", err)
	}
	return out, nil
}
