package invoicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Entity Kinds
// ============================================================================

// Remote is the REST surface a controller drives.
type Remote[T Record] interface {
	List(ctx context.Context, filters map[string]string) ([]T, error)
	Create(ctx context.Context, rec T) (T, error)
	Update(ctx context.Context, key string, fields Fields) (T, error)
	Delete(ctx context.Context, key string) error
}

// PaymentRemote is implemented by remotes that record payments.
type PaymentRemote[T Record] interface {
	RecordPayment(ctx context.Context, key string, p Payment) (T, error)
}

// EntityKind describes one synchronized collection.
type EntityKind[T Record] struct {
	// Name is the collection name and the realtime topic stem ("invoices").
	Name     string
	QueueKey string
	// CacheKey, when set, persists the snapshot on every successful fetch.
	CacheKey     string
	ApplyPayment func(T, Payment) T
}

// TopicPrefix is the realtime prefix that invalidates this collection.
func (k EntityKind[T]) TopicPrefix() string { return k.Name + ":" }

var (
	InvoiceKind = EntityKind[Invoice]{
		Name:         "invoices",
		QueueKey:     "queue:invoices",
		ApplyPayment: applyInvoicePayment,
	}
	CustomerKind = EntityKind[Customer]{
		Name:     "customers",
		QueueKey: "queue:customers",
		CacheKey: KeyCustomersCache,
	}
	OrderKind = EntityKind[Order]{
		Name:     "orders",
		QueueKey: "queue:orders",
	}
	SettingsKind = EntityKind[Settings]{
		Name:     "settings",
		QueueKey: "queue:settings",
	}
)

// ============================================================================
// Controller
// ============================================================================

const (
	replayIdle int32 = iota
	replayActive
)

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Logger *slog.Logger
	Events *Emitter
}

// ReplayReport summarises one replay pass.
type ReplayReport struct {
	Kind      string `json:"kind"`
	Busy      bool   `json:"busy,omitempty"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Remaining int    `json:"remaining"`
}

// ControllerStatus is a point-in-time view of a controller.
type ControllerStatus struct {
	Kind      string    `json:"kind"`
	Records   int       `json:"records"`
	Pending   int       `json:"pending"`
	Replaying bool      `json:"replaying"`
	LastError string    `json:"lastError,omitempty"`
	FetchedAt time.Time `json:"fetchedAt,omitempty"`
}

// Controller owns the local snapshot of one entity collection and its
// mutation queue. Writes apply optimistically when the remote is unreachable
// and are replayed later in enqueue order.
type Controller[T Record] struct {
	kind     EntityKind[T]
	remote   Remote[T]
	payments PaymentRemote[T]
	store    Store
	logger   *slog.Logger
	events   *Emitter

	mu        sync.Mutex
	snapshot  map[string]T
	queue     *mutationQueue[T]
	lastErr   string
	fetchedAt time.Time
	loaded    bool

	replay atomic.Int32
}

// NewController builds a controller. Call Load before use to restore the
// persisted queue and cache.
func NewController[T Record](kind EntityKind[T], remote Remote[T], store Store, opts *ControllerOptions) *Controller[T] {
	c := &Controller[T]{
		kind:     kind,
		remote:   remote,
		store:    store,
		logger:   slog.Default(),
		snapshot: make(map[string]T),
		queue:    newMutationQueue[T](store, kind.QueueKey),
	}
	if pr, ok := remote.(PaymentRemote[T]); ok {
		c.payments = pr
	}
	if opts != nil {
		if opts.Logger != nil {
			c.logger = opts.Logger
		}
		c.events = opts.Events
	}
	c.logger = c.logger.With("kind", kind.Name)
	return c
}

// Kind returns the entity kind descriptor.
func (c *Controller[T]) Kind() EntityKind[T] { return c.kind }

// Load restores the persisted queue and, when the kind has a cache, the cached
// snapshot. Pending mutations are re-applied on top. Only the first call loads.
func (c *Controller[T]) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return nil
	}

	if err := c.queue.load(ctx); err != nil {
		return err
	}
	if c.kind.CacheKey != "" && len(c.snapshot) == 0 {
		data, err := c.store.Get(ctx, c.kind.CacheKey)
		switch {
		case errors.Is(err, ErrStoreKeyNotFound):
		case err != nil:
			return fmt.Errorf("load %s: %w", c.kind.CacheKey, err)
		default:
			var recs []T
			if err := json.Unmarshal(data, &recs); err != nil {
				return fmt.Errorf("decode %s: %w", c.kind.CacheKey, err)
			}
			for _, r := range recs {
				c.snapshot[r.SyncKey()] = r
			}
		}
	}
	c.rebaseLocked(nil)
	c.loaded = true
	c.logger.Debug("controller loaded", "records", len(c.snapshot), "pending", c.queue.size())
	return nil
}

// ── Reads ────────────────────────────────────────────────

// List returns a copy of the snapshot ordered by key.
func (c *Controller[T]) List() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLocked()
}

func (c *Controller[T]) listLocked() []T {
	out := make([]T, 0, len(c.snapshot))
	for _, r := range c.snapshot {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SyncKey() < out[j].SyncKey() })
	return out
}

// Get returns the record for key.
func (c *Controller[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.snapshot[key]
	return r, ok
}

// Pending returns a copy of the queue in enqueue order.
func (c *Controller[T]) Pending() []QueueItem[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.snapshot()
}

// Status reports counters and the last error.
func (c *Controller[T]) Status() ControllerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStatus{
		Kind:      c.kind.Name,
		Records:   len(c.snapshot),
		Pending:   c.queue.size(),
		Replaying: c.replay.Load() == replayActive,
		LastError: c.lastErr,
		FetchedAt: c.fetchedAt,
	}
}

// ── Operations ───────────────────────────────────────────

// Fetch replaces the snapshot with the remote collection. On failure the
// existing snapshot is kept and the error recorded.
func (c *Controller[T]) Fetch(ctx context.Context, filters map[string]string) error {
	recs, err := c.remote.List(ctx, filters)
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.Warn("fetch failed, keeping local snapshot", "error", err)
		c.events.emit(EventFetchFailed, map[string]any{"kind": c.kind.Name, "error": err.Error()})
		return fmt.Errorf("fetch %s: %w", c.kind.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]T, len(recs))
	for _, r := range recs {
		snap[r.SyncKey()] = r
	}
	c.snapshot = snap
	c.lastErr = ""
	c.fetchedAt = time.Now().UTC()
	if c.kind.CacheKey != "" {
		c.persistCacheLocked(ctx)
	}
	c.rebaseLocked(nil)
	return nil
}

// Create adds rec remotely, or optimistically when the remote call fails.
// The returned record is the server's canonical one or rec itself.
func (c *Controller[T]) Create(ctx context.Context, rec T) T {
	key := rec.SyncKey()
	if !c.hasPending(key) {
		created, err := c.remote.Create(ctx, rec)
		if err == nil {
			if created.SyncKey() == "" {
				created = rec
			}
			c.mu.Lock()
			c.snapshot[created.SyncKey()] = created
			c.mu.Unlock()
			return created
		}
		c.logger.Debug("create failed, queueing", "key", key, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot[key] = rec
	r := rec
	c.enqueueLocked(ctx, QueueItem[T]{Kind: MutationAdd, Key: key, Record: &r})
	return rec
}

// Update applies partial fields to key. Only local caller errors are
// returned; remote failures are queued.
func (c *Controller[T]) Update(ctx context.Context, key string, fields Fields) (T, error) {
	if _, ok := c.Get(key); !ok {
		var zero T
		return zero, fmt.Errorf("update %s %q: %w", c.kind.Name, key, ErrUnknownKey)
	}
	if !c.hasPending(key) {
		updated, err := c.remote.Update(ctx, key, fields)
		if err == nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if updated.SyncKey() == "" {
				cur := c.snapshot[key]
				if updated, err = mergeFields(cur, fields); err != nil {
					return cur, err
				}
			}
			c.snapshot[key] = updated
			return updated, nil
		}
		c.logger.Debug("update failed, queueing", "key", key, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.snapshot[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("update %s %q: %w", c.kind.Name, key, ErrUnknownKey)
	}
	merged, err := mergeFields(base, fields)
	if err != nil {
		return base, err
	}
	c.snapshot[key] = merged
	c.enqueueLocked(ctx, QueueItem[T]{Kind: MutationUpdate, Key: key, Fields: fields, Base: &base})
	return merged, nil
}

// Delete removes key locally right away and remotely now or on replay.
func (c *Controller[T]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.snapshot, key)
	c.mu.Unlock()

	if !c.hasPending(key) {
		err := c.remote.Delete(ctx, key)
		if err == nil || IsNotFound(err) {
			return
		}
		c.logger.Debug("delete failed, queueing", "key", key, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(ctx, QueueItem[T]{Kind: MutationDelete, Key: key})
}

// RecordPayment appends a payment to key's payment list.
func (c *Controller[T]) RecordPayment(ctx context.Context, key string, p Payment) (T, error) {
	var zero T
	if c.kind.ApplyPayment == nil || c.payments == nil {
		return zero, fmt.Errorf("%s: %w", c.kind.Name, ErrPaymentsUnsupported)
	}
	if _, ok := c.Get(key); !ok {
		return zero, fmt.Errorf("record payment %s %q: %w", c.kind.Name, key, ErrUnknownKey)
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	if !c.hasPending(key) {
		updated, err := c.payments.RecordPayment(ctx, key, p)
		if err == nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if updated.SyncKey() == "" {
				updated = c.kind.ApplyPayment(c.snapshot[key], p)
			}
			c.snapshot[key] = updated
			return updated, nil
		}
		c.logger.Debug("payment failed, queueing", "key", key, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.snapshot[key]
	if !ok {
		return zero, fmt.Errorf("record payment %s %q: %w", c.kind.Name, key, ErrUnknownKey)
	}
	next := c.kind.ApplyPayment(base, p)
	c.snapshot[key] = next
	c.enqueueLocked(ctx, QueueItem[T]{Kind: MutationPayment, Key: key, Payment: &p, Base: &base})
	return next, nil
}

// MergeRemote folds server records into the snapshot with the last-writer-wins
// rule and returns how many records the server side changed.
func (c *Controller[T]) MergeRemote(ctx context.Context, recs []T) int {
	if len(recs) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := MergeRecords(c.snapshot, recs)
	if len(changed) == 0 {
		return 0
	}
	keys := make(map[string]bool, len(changed))
	for _, k := range changed {
		keys[k] = true
	}
	c.rebaseLocked(keys)
	if c.kind.CacheKey != "" {
		c.persistCacheLocked(ctx)
	}
	return len(changed)
}

// ── Replay ───────────────────────────────────────────────

// Replay walks the queue in enqueue order, one remote call at a time. A pass
// already in progress turns this call into a no-op reporting Busy.
func (c *Controller[T]) Replay(ctx context.Context) ReplayReport {
	report := ReplayReport{Kind: c.kind.Name}
	if !c.replay.CompareAndSwap(replayIdle, replayActive) {
		report.Busy = true
		return report
	}
	defer c.replay.Store(replayIdle)

	items := c.Pending()
	failed := make(map[string]bool)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		if failed[it.Key] {
			report.Skipped++
			continue
		}
		report.Attempted++
		if err := c.replayItem(ctx, it); err != nil {
			failed[it.Key] = true
			report.Failed++
			c.logger.Warn("replay failed, keeping item", "id", it.ID, "op", it.Kind, "key", it.Key, "error", err)
			c.events.emit(EventQueueFailed, map[string]any{"kind": c.kind.Name, "id": it.ID, "key": it.Key, "error": err.Error()})
			continue
		}

		c.mu.Lock()
		if err := c.queue.remove(context.WithoutCancel(ctx), it.ID); err != nil {
			c.lastErr = err.Error()
			c.logger.Error("dequeue persist failed", "id", it.ID, "error", err)
		}
		c.mu.Unlock()
		report.Succeeded++
		c.events.emit(EventQueueConfirmed, map[string]any{"kind": c.kind.Name, "id": it.ID, "key": it.Key})
	}

	if report.Succeeded > 0 {
		// Pull server-computed fields the optimistic state could not know.
		_ = c.Fetch(ctx, nil)
	}
	c.mu.Lock()
	report.Remaining = c.queue.size()
	c.mu.Unlock()

	if report.Attempted > 0 {
		c.logger.Info("replay pass complete",
			"succeeded", report.Succeeded, "failed", report.Failed,
			"skipped", report.Skipped, "remaining", report.Remaining)
	}
	c.events.emit(EventReplayComplete, report)
	return report
}

// Run replays on every tick until ctx is done. It is the safety net for a
// missed reachability signal.
func (c *Controller[T]) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Replay(ctx)
		}
	}
}

func (c *Controller[T]) replayItem(ctx context.Context, it QueueItem[T]) error {
	err := c.apply(ctx, it)
	if err == nil {
		return nil
	}
	switch it.Kind {
	case MutationDelete:
		if IsNotFound(err) {
			return nil
		}
	case MutationAdd:
		if errors.Is(err, ErrConflict) {
			return nil
		}
	case MutationUpdate, MutationPayment:
		if IsNotFound(err) && it.Base != nil {
			c.logger.Info("remote missing entity, recreating from base snapshot", "key", it.Key, "op", it.Kind)
			if _, addErr := c.remote.Create(ctx, *it.Base); addErr != nil && !errors.Is(addErr, ErrConflict) {
				return fmt.Errorf("recreate %s: %w", it.Key, addErr)
			}
			return c.apply(ctx, it)
		}
	}
	return err
}

func (c *Controller[T]) apply(ctx context.Context, it QueueItem[T]) error {
	switch it.Kind {
	case MutationAdd:
		_, err := c.remote.Create(ctx, *it.Record)
		return err
	case MutationUpdate:
		_, err := c.remote.Update(ctx, it.Key, it.Fields)
		return err
	case MutationDelete:
		return c.remote.Delete(ctx, it.Key)
	case MutationPayment:
		if c.payments == nil {
			return ErrPaymentsUnsupported
		}
		_, err := c.payments.RecordPayment(ctx, it.Key, *it.Payment)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMutation, it.Kind)
	}
}

// ── Internals ────────────────────────────────────────────

func (c *Controller[T]) hasPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, it := range c.queue.items {
		if it.Key == key {
			return true
		}
	}
	return false
}

// enqueueLocked appends and persists. The write outlives caller cancellation.
func (c *Controller[T]) enqueueLocked(ctx context.Context, it QueueItem[T]) {
	if err := c.queue.push(context.WithoutCancel(ctx), it); err != nil {
		c.lastErr = err.Error()
		c.logger.Error("queue persist failed", "op", it.Kind, "key", it.Key, "error", err)
	}
	c.events.emit(EventQueueEnqueued, map[string]any{"kind": c.kind.Name, "op": string(it.Kind), "key": it.Key})
}

func (c *Controller[T]) persistCacheLocked(ctx context.Context) {
	data, err := json.Marshal(c.listLocked())
	if err == nil {
		err = c.store.Set(context.WithoutCancel(ctx), c.kind.CacheKey, data)
	}
	if err != nil {
		c.logger.Warn("cache persist failed", "key", c.kind.CacheKey, "error", err)
	}
}

// rebaseLocked re-applies pending mutations on top of server state so the
// snapshot keeps reflecting queued intent. keys limits the rebase; nil means all.
func (c *Controller[T]) rebaseLocked(keys map[string]bool) {
	for _, it := range c.queue.items {
		if keys != nil && !keys[it.Key] {
			continue
		}
		switch it.Kind {
		case MutationAdd:
			if _, ok := c.snapshot[it.Key]; !ok {
				c.snapshot[it.Key] = *it.Record
			}
		case MutationUpdate:
			cur, ok := c.snapshot[it.Key]
			if !ok {
				cur = *it.Base
			}
			merged, err := mergeFields(cur, it.Fields)
			if err != nil {
				c.logger.Warn("rebase update failed", "id", it.ID, "error", err)
				continue
			}
			c.snapshot[it.Key] = merged
		case MutationDelete:
			delete(c.snapshot, it.Key)
		case MutationPayment:
			cur, ok := c.snapshot[it.Key]
			if !ok {
				cur = *it.Base
			}
			if c.kind.ApplyPayment != nil {
				c.snapshot[it.Key] = c.kind.ApplyPayment(cur, *it.Payment)
			}
		}
	}
}
