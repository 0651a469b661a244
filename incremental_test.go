package invoicesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type fakeChanges struct {
	mu     sync.Mutex
	result *ChangesResult
	err    error
	since  []time.Time
	calls  atomic.Int32
	gate   chan struct{}
}

func (f *fakeChanges) Changes(ctx context.Context, since time.Time) (*ChangesResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.since = append(f.since, since)
	gate, res, err := f.gate, f.result, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return res, err
}

func newSyncFixture(t *testing.T, source ChangesSource) (*IncrementalSync, *Controller[Invoice], Store) {
	t.Helper()
	store := NewMemoryStorage()
	inv := newInvoiceController(t, newFakeInvoiceRemote(), store)
	cust := NewController(CustomerKind, Remote[Customer](newFakeRemote[Customer]()), store, nil)
	ord := NewController(OrderKind, Remote[Order](newFakeRemote[Order]()), store, nil)
	return NewIncrementalSync(source, store, inv, cust, ord, nil, nil), inv, store
}

func TestIncrementalSync(t *testing.T) {
	ctx := context.Background()
	serverTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeChanges{result: &ChangesResult{
		Invoices:      []Invoice{{InvoiceNumber: "INV-1"}, {InvoiceNumber: "INV-2"}},
		Customers:     []Customer{{Phone: "555"}},
		PendingOrders: []Order{{ID: "o-1"}},
		ServerTime:    serverTime,
	}}
	s, inv, store := newSyncFixture(t, src)

	res := s.Sync(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, SyncCounts{Invoices: 2, Customers: 1, PendingOrders: 1}, res.Counts)
	assert.Len(t, inv.List(), 2)

	// First run starts from the epoch.
	assert.True(t, src.since[0].Equal(time.Unix(0, 0)))

	data, err := store.Get(ctx, KeyLastSync)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", string(data))

	w := s.Watermark()
	require.NotNil(t, w.LastSyncedAt)
	assert.True(t, w.LastSyncedAt.Equal(serverTime))
	assert.False(t, w.IsSyncing)

	// The next run resumes from the server's clock.
	res = s.Sync(ctx)
	require.True(t, res.Success)
	assert.True(t, src.since[1].Equal(serverTime))

	require.NoError(t, s.Reset(ctx))
	assert.Nil(t, s.Watermark().LastSyncedAt)
	_, err = store.Get(ctx, KeyLastSync)
	assert.ErrorIs(t, err, ErrStoreKeyNotFound)
}

func TestIncrementalSyncFailureKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	serverTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeChanges{result: &ChangesResult{ServerTime: serverTime}}
	s, _, store := newSyncFixture(t, src)
	require.True(t, s.Sync(ctx).Success)

	src.mu.Lock()
	src.err = errors.New("HTTP 502: bad gateway")
	src.mu.Unlock()

	res := s.Sync(ctx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "bad gateway")
	assert.Equal(t, res.Error, s.Watermark().LastSyncError)

	data, err := store.Get(ctx, KeyLastSync)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", string(data))
}

func TestIncrementalSyncRejectsMissingServerTime(t *testing.T) {
	src := &fakeChanges{result: &ChangesResult{Invoices: []Invoice{{InvoiceNumber: "INV-1"}}}}
	s, inv, _ := newSyncFixture(t, src)

	res := s.Sync(context.Background())
	assert.False(t, res.Success)
	assert.Empty(t, inv.List())
}

func TestIncrementalSyncInProgress(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	src := &fakeChanges{gate: gate, result: &ChangesResult{ServerTime: time.Now()}}
	s, _, _ := newSyncFixture(t, src)

	done := make(chan SyncResult)
	go func() { done <- s.Sync(ctx) }()
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Watermark().IsSyncing)

	second := s.Sync(ctx)
	assert.Equal(t, SyncResult{Success: false, Error: "Sync already in progress"}, second)
	assert.EqualValues(t, 1, src.calls.Load())

	close(gate)
	assert.True(t, (<-done).Success)
}

func TestMergeRecords(t *testing.T) {
	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	t.Run("inserts absent keys", func(t *testing.T) {
		local := map[string]Invoice{}
		changed := MergeRecords(local, []Invoice{{InvoiceNumber: "A"}})
		assert.Equal(t, []string{"A"}, changed)
		assert.Contains(t, local, "A")
	})

	t.Run("newer server wins", func(t *testing.T) {
		local := map[string]Invoice{"A": {InvoiceNumber: "A", Status: "local", UpdatedAt: &t1}}
		MergeRecords(local, []Invoice{{InvoiceNumber: "A", Status: "server", UpdatedAt: &t2}})
		assert.Equal(t, "server", local["A"].Status)
	})

	t.Run("older or equal server loses", func(t *testing.T) {
		local := map[string]Invoice{"A": {InvoiceNumber: "A", Status: "local", UpdatedAt: &t2}}
		changed := MergeRecords(local, []Invoice{
			{InvoiceNumber: "A", Status: "older", UpdatedAt: &t1},
			{InvoiceNumber: "A", Status: "equal", UpdatedAt: &t2},
		})
		assert.Empty(t, changed)
		assert.Equal(t, "local", local["A"].Status)
	})

	t.Run("missing timestamp lets server win", func(t *testing.T) {
		local := map[string]Invoice{"A": {InvoiceNumber: "A", Status: "local", UpdatedAt: &t2}}
		MergeRecords(local, []Invoice{{InvoiceNumber: "A", Status: "server"}})
		assert.Equal(t, "server", local["A"].Status)

		local = map[string]Invoice{"B": {InvoiceNumber: "B", Status: "local"}}
		MergeRecords(local, []Invoice{{InvoiceNumber: "B", Status: "server", UpdatedAt: &t1}})
		assert.Equal(t, "server", local["B"].Status)
	})
}

// Two batches over overlapping keys with distinct timestamps converge in
// either order.
func TestMergeConvergenceProperty(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rapid.Check(t, func(t *rapid.T) {
		keys := []string{"A", "B", "C", "D"}
		used := map[int]bool{}
		stamp := func(label string) *time.Time {
			// Distinct minutes across both batches.
			m := rapid.IntRange(0, 10000).Filter(func(m int) bool { return !used[m] }).Draw(t, label)
			used[m] = true
			ts := base.Add(time.Duration(m) * time.Minute)
			return &ts
		}
		batch := func(name string) []Invoice {
			var out []Invoice
			seen := map[string]bool{}
			for _, k := range rapid.SliceOfN(rapid.SampledFrom(keys), 0, len(keys)).Draw(t, name) {
				if seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, Invoice{InvoiceNumber: k, Status: name, UpdatedAt: stamp(name + "-" + k)})
			}
			return out
		}
		b1, b2 := batch("b1"), batch("b2")

		left := map[string]Invoice{}
		MergeRecords(left, b1)
		MergeRecords(left, b2)

		right := map[string]Invoice{}
		MergeRecords(right, b2)
		MergeRecords(right, b1)

		assert.Equal(t, left, right)
	})
}

func TestIncrementalSyncWatermarkSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	serverTime := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeChanges{result: &ChangesResult{ServerTime: serverTime}}
	s1, _, store := newSyncFixture(t, src)
	require.True(t, s1.Sync(ctx).Success)

	s2 := NewIncrementalSync(src, store, nil, nil, nil, nil, nil)
	assert.Nil(t, s2.Watermark().LastSyncedAt)
	require.NoError(t, s2.Load(ctx))
	w := s2.Watermark()
	require.NotNil(t, w.LastSyncedAt)
	assert.True(t, w.LastSyncedAt.Equal(serverTime))
	assert.False(t, w.IsSyncing)

	// Nothing persisted yet: no watermark and no error.
	fresh := NewIncrementalSync(src, NewMemoryStorage(), nil, nil, nil, nil, nil)
	require.NoError(t, fresh.Load(ctx))
	assert.Nil(t, fresh.Watermark().LastSyncedAt)

	require.NoError(t, store.Set(ctx, KeyLastSync, []byte("yesterday")))
	assert.Error(t, NewIncrementalSync(src, store, nil, nil, nil, nil, nil).Load(ctx))
}
