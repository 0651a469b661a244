package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeRemote is an in-memory REST collaborator. It records every call as
// "op:key" and can be taken offline or made to fail per key.
type fakeRemote[T Record] struct {
	mu      sync.Mutex
	records map[string]T
	offline bool
	failKey map[string]error
	failOp  map[string]error
	calls   []string
	// block, when set, is received from before every call returns.
	block chan struct{}
}

func newFakeRemote[T Record](recs ...T) *fakeRemote[T] {
	f := &fakeRemote[T]{records: map[string]T{}, failKey: map[string]error{}, failOp: map[string]error{}}
	for _, r := range recs {
		f.records[r.SyncKey()] = r
	}
	return f
}

func (f *fakeRemote[T]) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeRemote[T]) failFor(key string, err error) {
	f.mu.Lock()
	if err == nil {
		delete(f.failKey, key)
	} else {
		f.failKey[key] = err
	}
	f.mu.Unlock()
}

// failOn fails only calls matching "op:key".
func (f *fakeRemote[T]) failOn(call string, err error) {
	f.mu.Lock()
	f.failOp[call] = err
	f.mu.Unlock()
}

func (f *fakeRemote[T]) snapshot() map[string]T {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]T, len(f.records))
	for k, v := range f.records {
		out[k] = v
	}
	return out
}

func (f *fakeRemote[T]) put(r T) {
	f.mu.Lock()
	f.records[r.SyncKey()] = r
	f.mu.Unlock()
}

func (f *fakeRemote[T]) drop(key string) {
	f.mu.Lock()
	delete(f.records, key)
	f.mu.Unlock()
}

func (f *fakeRemote[T]) get(key string) (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[key]
	return r, ok
}

func (f *fakeRemote[T]) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote[T]) resetCalls() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

// enter records the call and reports the injected failure, if any.
func (f *fakeRemote[T]) enter(op, key string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+":"+key)
	block := f.block
	offline := f.offline
	failErr := f.failKey[key]
	if err, ok := f.failOp[op+":"+key]; ok {
		failErr = err
	}
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if offline {
		return errOffline
	}
	return failErr
}

func (f *fakeRemote[T]) List(ctx context.Context, filters map[string]string) ([]T, error) {
	if err := f.enter("list", ""); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]T, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncKey() < out[j].SyncKey() })
	return out, nil
}

func (f *fakeRemote[T]) Create(ctx context.Context, rec T) (T, error) {
	var zero T
	if err := f.enter("create", rec.SyncKey()); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[rec.SyncKey()]; ok {
		return zero, &APIError{Status: 409, Code: "DUPLICATE", Message: "already exists"}
	}
	f.records[rec.SyncKey()] = rec
	return rec, nil
}

func (f *fakeRemote[T]) Update(ctx context.Context, key string, fields Fields) (T, error) {
	var zero T
	if err := f.enter("update", key); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[key]
	if !ok {
		return zero, &APIError{Status: 404, Message: fmt.Sprintf("%s not found", key)}
	}
	merged, err := mergeFields(cur, fields)
	if err != nil {
		return zero, err
	}
	f.records[key] = merged
	return merged, nil
}

func (f *fakeRemote[T]) Delete(ctx context.Context, key string) error {
	if err := f.enter("delete", key); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[key]; !ok {
		return &APIError{Code: "NOT_FOUND", Message: key}
	}
	delete(f.records, key)
	return nil
}

// fakeInvoiceRemote adds the payments endpoint.
type fakeInvoiceRemote struct {
	*fakeRemote[Invoice]
}

func newFakeInvoiceRemote(recs ...Invoice) *fakeInvoiceRemote {
	return &fakeInvoiceRemote{newFakeRemote(recs...)}
}

func (f *fakeInvoiceRemote) RecordPayment(ctx context.Context, key string, p Payment) (Invoice, error) {
	if err := f.enter("payment", key); err != nil {
		return Invoice{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.records[key]
	if !ok {
		return Invoice{}, &APIError{Status: 404, Code: "NOT_FOUND", Message: key}
	}
	next := applyInvoicePayment(cur, p)
	f.records[key] = next
	return next, nil
}
