package invoicesync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeAPI is an httptest server speaking the invoicing REST and realtime
// contracts against in-memory state.
type fakeAPI struct {
	*httptest.Server

	down atomic.Bool

	mu       sync.Mutex
	invoices map[string]Invoice
	requests []string
	push     chan Frame
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{invoices: map[string]Invoice{}, push: make(chan Frame, 8)}

	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /health", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("GET /invoices", api.listInvoices)
	mux.HandleFunc("POST /invoices", api.createInvoice)
	mux.HandleFunc("PATCH /invoices/{number}", api.updateInvoice)
	mux.HandleFunc("DELETE /invoices/{number}", api.deleteInvoice)
	mux.HandleFunc("POST /invoices/{number}/payments", api.recordPayment)
	for _, p := range []string{"/customers", "/orders", "/settings"} {
		mux.HandleFunc("GET "+p, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []any{})
		})
	}
	mux.HandleFunc("GET /sync/changes", api.changes)
	mux.HandleFunc("/ws", api.websocket)

	api.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.requests = append(api.requests, r.Method+" "+r.URL.RequestURI())
		api.mu.Unlock()
		if api.down.Load() && r.URL.Path != "/ws" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": map[string]string{"code": "UNAVAILABLE", "message": "maintenance"}})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(api.Close)
	return api
}

func (a *fakeAPI) invoice(n string) (Invoice, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	inv, ok := a.invoices[n]
	return inv, ok
}

func (a *fakeAPI) requestLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.requests...)
}

func (a *fakeAPI) listInvoices(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := make([]Invoice, 0, len(a.invoices))
	for _, inv := range a.invoices {
		if s := r.URL.Query().Get("status"); s != "" && inv.Status != s {
			continue
		}
		out = append(out, inv)
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceNumber < out[j].InvoiceNumber })
	writeJSON(w, http.StatusOK, out)
}

func (a *fakeAPI) createInvoice(w http.ResponseWriter, r *http.Request) {
	var inv Invoice
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.invoices[inv.InvoiceNumber]; ok {
		writeJSON(w, http.StatusConflict, map[string]string{"code": "DUPLICATE", "message": "invoice exists"})
		return
	}
	now := time.Now().UTC()
	inv.Confirmed = true
	inv.UpdatedAt = &now
	a.invoices[inv.InvoiceNumber] = inv
	writeJSON(w, http.StatusCreated, inv)
}

func (a *fakeAPI) updateInvoice(w http.ResponseWriter, r *http.Request) {
	var fields Fields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.invoices[r.PathValue("number")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "NOT_FOUND", "message": "no such invoice"}})
		return
	}
	merged, err := mergeFields(cur, fields)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	now := time.Now().UTC()
	merged.UpdatedAt = &now
	a.invoices[merged.InvoiceNumber] = merged
	writeJSON(w, http.StatusOK, merged)
}

func (a *fakeAPI) deleteInvoice(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := r.PathValue("number")
	if _, ok := a.invoices[n]; !ok {
		http.NotFound(w, r)
		return
	}
	delete(a.invoices, n)
	w.WriteHeader(http.StatusNoContent)
}

func (a *fakeAPI) recordPayment(w http.ResponseWriter, r *http.Request) {
	var p Payment
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.invoices[r.PathValue("number")]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "NOT_FOUND", "message": "no such invoice"})
		return
	}
	next := applyInvoicePayment(cur, p)
	a.invoices[next.InvoiceNumber] = next
	writeJSON(w, http.StatusOK, next)
}

func (a *fakeAPI) changes(w http.ResponseWriter, r *http.Request) {
	since, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "bad since"})
		return
	}
	a.mu.Lock()
	res := ChangesResult{Invoices: []Invoice{}, Customers: []Customer{}, PendingOrders: []Order{}, ServerTime: time.Now().UTC()}
	for _, inv := range a.invoices {
		if inv.UpdatedAt == nil || inv.UpdatedAt.After(since) {
			res.Invoices = append(res.Invoices, inv)
		}
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, res)
}

func (a *fakeAPI) websocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.push:
			data, _ := json.Marshal(f)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

// publish queues a frame for the connected realtime client.
func (a *fakeAPI) publish(ctx context.Context, f Frame) {
	select {
	case a.push <- f:
	case <-ctx.Done():
	}
}
