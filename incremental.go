package invoicesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ChangesSource serves the timestamp-delimited diff.
type ChangesSource interface {
	Changes(ctx context.Context, since time.Time) (*ChangesResult, error)
}

// IncrementalSync pulls everything changed since the persisted watermark and
// folds it into the controllers. It is the cold-start and catch-up path for
// invalidations the realtime channel never delivered.
type IncrementalSync struct {
	source    ChangesSource
	store     Store
	invoices  *Controller[Invoice]
	customers *Controller[Customer]
	orders    *Controller[Order]
	logger    *slog.Logger
	events    *Emitter

	running atomic.Bool

	mu      sync.Mutex
	lastAt  *time.Time
	lastErr string
}

// NewIncrementalSync wires the service to its controllers. Any controller may be nil.
func NewIncrementalSync(source ChangesSource, store Store, invoices *Controller[Invoice], customers *Controller[Customer], orders *Controller[Order], logger *slog.Logger, events *Emitter) *IncrementalSync {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncrementalSync{
		source:    source,
		store:     store,
		invoices:  invoices,
		customers: customers,
		orders:    orders,
		logger:    logger.With("component", "incremental_sync"),
		events:    events,
	}
}

// Watermark returns the current sync position.
func (s *IncrementalSync) Watermark() SyncWatermark {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := SyncWatermark{IsSyncing: s.running.Load(), LastSyncError: s.lastErr}
	if s.lastAt != nil {
		t := *s.lastAt
		w.LastSyncedAt = &t
	}
	return w
}

// Sync runs one incremental pass. A call made while another pass is running
// fails immediately with "Sync already in progress" and performs no I/O.
func (s *IncrementalSync) Sync(ctx context.Context) SyncResult {
	if !s.running.CompareAndSwap(false, true) {
		return SyncResult{Success: false, Error: ErrSyncInProgress.Error()}
	}
	defer s.running.Store(false)

	since, err := s.readWatermark(ctx)
	if err != nil {
		return s.fail(err)
	}
	changes, err := s.source.Changes(ctx, since)
	if err != nil {
		return s.fail(err)
	}

	// Server time, not the local clock, so skew cannot open gaps or overlaps.
	serverTime := changes.ServerTime.UTC()
	if changes.ServerTime.IsZero() {
		return s.fail(errors.New("sync response missing serverTime"))
	}

	counts := SyncCounts{
		Invoices:      len(changes.Invoices),
		Customers:     len(changes.Customers),
		PendingOrders: len(changes.PendingOrders),
	}
	if s.invoices != nil {
		s.invoices.MergeRemote(ctx, changes.Invoices)
	}
	if s.customers != nil {
		s.customers.MergeRemote(ctx, changes.Customers)
	}
	if s.orders != nil {
		s.orders.MergeRemote(ctx, changes.PendingOrders)
	}

	if err := s.store.Set(context.WithoutCancel(ctx), KeyLastSync, []byte(serverTime.Format(time.RFC3339Nano))); err != nil {
		return s.fail(fmt.Errorf("persist watermark: %w", err))
	}

	s.mu.Lock()
	s.lastAt = &serverTime
	s.lastErr = ""
	s.mu.Unlock()

	res := SyncResult{Success: true, Counts: counts, ServerTime: serverTime}
	s.logger.Info("incremental sync complete",
		"since", since.Format(time.RFC3339), "server_time", serverTime.Format(time.RFC3339),
		"invoices", counts.Invoices, "customers", counts.Customers, "orders", counts.PendingOrders)
	s.events.emit(EventSyncComplete, res)
	return res
}

// Load restores the persisted watermark so it is visible before the first
// Sync of this process.
func (s *IncrementalSync) Load(ctx context.Context) error {
	_, err := s.readWatermark(ctx)
	return err
}

// Reset forgets the watermark so the next Sync pulls everything.
func (s *IncrementalSync) Reset(ctx context.Context) error {
	if err := s.store.Remove(ctx, KeyLastSync); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	s.mu.Lock()
	s.lastAt = nil
	s.mu.Unlock()
	return nil
}

func (s *IncrementalSync) readWatermark(ctx context.Context) (time.Time, error) {
	data, err := s.store.Get(ctx, KeyLastSync)
	if errors.Is(err, ErrStoreKeyNotFound) {
		return time.Unix(0, 0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", data, err)
	}
	s.mu.Lock()
	s.lastAt = &t
	s.mu.Unlock()
	return t, nil
}

func (s *IncrementalSync) fail(err error) SyncResult {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.logger.Warn("incremental sync failed", "error", err)
	s.events.emit(EventSyncError, map[string]any{"error": err.Error()})
	return SyncResult{Success: false, Error: err.Error()}
}

// ============================================================================
// Merge
// ============================================================================

// MergeRecords folds server records into local using last-writer-wins on
// updatedAt: absent keys are inserted, present keys are replaced only by a
// strictly newer server record, and a missing timestamp on either side lets
// the server win. It returns the keys it wrote.
func MergeRecords[T Record](local map[string]T, incoming []T) []string {
	var changed []string
	for _, r := range incoming {
		key := r.SyncKey()
		if key == "" {
			continue
		}
		if cur, ok := local[key]; ok && !serverWins(cur, r) {
			continue
		}
		local[key] = r
		changed = append(changed, key)
	}
	return changed
}

func serverWins[T Record](local, server T) bool {
	lt, st := local.LastModified(), server.LastModified()
	if lt.IsZero() || st.IsZero() {
		return true
	}
	return st.After(lt)
}
