package invoicesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// RealtimeURL is the realtime server root. Defaults to the API base URL.
	RealtimeURL string
	Realtime    *RealtimeConfig
	// DisableRealtime skips the realtime channel entirely.
	DisableRealtime bool

	ReplayInterval time.Duration // default 30s
	ProbeInterval  time.Duration // default 15s
	// Probe overrides the default HEAD /health reachability check.
	Probe Probe

	Logger *slog.Logger
}

func (o *ManagerOptions) defaults() {
	if o.ReplayInterval == 0 {
		o.ReplayInterval = 30 * time.Second
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ManagerStatus is a point-in-time view of the whole sync core.
type ManagerStatus struct {
	Controllers []ControllerStatus `json:"controllers"`
	Sync        SyncWatermark      `json:"sync"`
	Realtime    TransportState     `json:"realtime"`
	Attempts    int                `json:"reconnectAttempts"`
	Reachable   bool               `json:"reachable"`
}

// Manager wires the controllers, the realtime channel, the reachability
// monitor and the incremental sync together. Build one per process.
type Manager struct {
	Invoices  *Controller[Invoice]
	Customers *Controller[Customer]
	Orders    *Controller[Order]
	Settings  *Controller[Settings]

	Sync      *IncrementalSync
	Router    *Router
	Transport *Transport
	Monitor   *ReachabilityMonitor
	Events    *Emitter

	opts   ManagerOptions
	client *Client
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager builds a manager around store and client. Call Start to run it.
func NewManager(store Store, client *Client, opts *ManagerOptions) *Manager {
	o := ManagerOptions{}
	if opts != nil {
		o = *opts
	}
	o.defaults()
	logger := o.Logger

	events := &Emitter{logger: logger}
	copts := &ControllerOptions{Logger: logger, Events: events}

	m := &Manager{
		Invoices:  NewController(InvoiceKind, Remote[Invoice](client.Invoices()), store, copts),
		Customers: NewController(CustomerKind, Remote[Customer](client.Customers()), store, copts),
		Orders:    NewController(OrderKind, Remote[Order](client.Orders()), store, copts),
		Settings:  NewController(SettingsKind, Remote[Settings](client.Settings()), store, copts),
		Router:    NewRouter(logger),
		Events:    events,
		opts:      o,
		client:    client,
		store:     store,
		logger:    logger.With("component", "manager"),
	}
	m.Sync = NewIncrementalSync(client, store, m.Invoices, m.Customers, m.Orders, logger, events)

	probe := o.Probe
	if probe == nil {
		probe = healthProbe(client)
	}
	m.Monitor = NewReachabilityMonitor(probe, logger)

	rc := RealtimeConfig{}
	if o.Realtime != nil {
		rc = *o.Realtime
	}
	if rc.Logger == nil {
		rc.Logger = logger
	}
	m.Transport = NewTransport(m.Router, &rc)

	m.subscribeRefetch(m.Invoices.Kind().TopicPrefix(), m.Invoices.Fetch)
	m.subscribeRefetch(m.Customers.Kind().TopicPrefix(), m.Customers.Fetch)
	m.subscribeRefetch(m.Orders.Kind().TopicPrefix(), m.Orders.Fetch)
	m.subscribeRefetch(m.Settings.Kind().TopicPrefix(), m.Settings.Fetch)

	m.Transport.OnStateChange(func(s TransportState) {
		m.Events.emit(EventRealtimeState, s)
	})
	m.Monitor.OnReachable(func() {
		m.Events.emit(EventNetworkOnline, nil)
		m.spawn(func(ctx context.Context) {
			if !m.opts.DisableRealtime {
				m.Transport.Connect(ctx, m.realtimeURL())
			}
			m.CatchUp(ctx)
		})
	})
	m.Monitor.OnUnreachable(func() {
		m.Events.emit(EventNetworkOffline, nil)
	})
	return m
}

// healthProbe treats any HTTP answer as reachable; only transport errors count
// as unreachable.
func healthProbe(client *Client) Probe {
	return func(ctx context.Context) error {
		err := client.Health(ctx)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return nil
		}
		return err
	}
}

// Load restores every controller's persisted queue and cache and the sync
// watermark.
func (m *Manager) Load(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.Invoices.Load(gctx) })
	g.Go(func() error { return m.Customers.Load(gctx) })
	g.Go(func() error { return m.Orders.Load(gctx) })
	g.Go(func() error { return m.Settings.Load(gctx) })
	g.Go(func() error { return m.Sync.Load(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	m.warnForeignQueues(ctx)
	return nil
}

// StoredQueues lists the persisted queue entries, including ones no
// controller owns.
func (m *Manager) StoredQueues(ctx context.Context) ([]StoredKey, error) {
	return ListStored(ctx, m.store, "queue:")
}

// warnForeignQueues logs queues left in the store by an entity kind this
// build does not sync. They are never replayed.
func (m *Manager) warnForeignQueues(ctx context.Context) {
	stored, err := m.StoredQueues(ctx)
	if err != nil {
		if !errors.Is(err, ErrKeysUnsupported) {
			m.logger.Debug("cannot list stored queues", "error", err)
		}
		return
	}
	known := map[string]bool{
		m.Invoices.Kind().QueueKey:  true,
		m.Customers.Kind().QueueKey: true,
		m.Orders.Kind().QueueKey:    true,
		m.Settings.Kind().QueueKey:  true,
	}
	for _, sk := range stored {
		if !known[sk.Key] {
			m.logger.Warn("ignoring queue with no controller", "key", sk.Key, "bytes", sk.Bytes)
		}
	}
}

// Start loads persisted state and starts the background loops: realtime
// invalidations, reachability polling, periodic replay and a catch-up sync.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	if err := m.Load(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.runCtx, m.cancel = runCtx, cancel
	m.started = true

	if !m.opts.DisableRealtime {
		m.Transport.Connect(runCtx, m.realtimeURL())
	}

	m.goRun(func() { m.Monitor.Run(runCtx, m.opts.ProbeInterval) })
	m.goRun(func() { m.Invoices.Run(runCtx, m.opts.ReplayInterval) })
	m.goRun(func() { m.Customers.Run(runCtx, m.opts.ReplayInterval) })
	m.goRun(func() { m.Orders.Run(runCtx, m.opts.ReplayInterval) })
	m.goRun(func() { m.Settings.Run(runCtx, m.opts.ReplayInterval) })
	m.goRun(func() { m.CatchUp(runCtx) })

	m.logger.Info("sync manager started",
		"api", m.client.BaseURL(), "realtime", !m.opts.DisableRealtime,
		"replay_interval", m.opts.ReplayInterval)
	return nil
}

// ReplayAll replays every controller's queue. Controllers run concurrently;
// each one stays sequential internally.
func (m *Manager) ReplayAll(ctx context.Context) []ReplayReport {
	reports := make([]ReplayReport, 4)
	var g errgroup.Group
	g.Go(func() error { reports[0] = m.Invoices.Replay(ctx); return nil })
	g.Go(func() error { reports[1] = m.Customers.Replay(ctx); return nil })
	g.Go(func() error { reports[2] = m.Orders.Replay(ctx); return nil })
	g.Go(func() error { reports[3] = m.Settings.Replay(ctx); return nil })
	_ = g.Wait()
	return reports
}

// CatchUp replays pending mutations and then pulls the server delta.
func (m *Manager) CatchUp(ctx context.Context) SyncResult {
	m.ReplayAll(ctx)
	return m.Sync.Sync(ctx)
}

// Status reports every component.
func (m *Manager) Status() ManagerStatus {
	return ManagerStatus{
		Controllers: []ControllerStatus{
			m.Invoices.Status(),
			m.Customers.Status(),
			m.Orders.Status(),
			m.Settings.Status(),
		},
		Sync:      m.Sync.Watermark(),
		Realtime:  m.Transport.State(),
		Attempts:  m.Transport.Attempts(),
		Reachable: m.Monitor.Reachable(),
	}
}

// Close stops every background loop and the realtime channel. A closed
// manager can be started again.
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.cancel
	m.runCtx, m.cancel = nil, nil
	m.mu.Unlock()

	cancel()
	err := m.Transport.Close()
	m.wg.Wait()
	m.logger.Info("sync manager stopped")
	return err
}

func (m *Manager) realtimeURL() string {
	if m.opts.RealtimeURL != "" {
		return m.opts.RealtimeURL
	}
	return m.client.BaseURL()
}

// subscribeRefetch refetches a collection when an invalidation for it arrives.
// The fetch runs off the transport's read loop.
func (m *Manager) subscribeRefetch(prefix string, fetch func(context.Context, map[string]string) error) {
	m.Router.Subscribe(prefix, func(topic string, _ json.RawMessage) {
		m.Events.emit(EventRealtimeMessage, topic)
		m.logger.Debug("invalidation received", "topic", topic)
		m.spawn(func(ctx context.Context) { _ = fetch(ctx, nil) })
	})
}

// spawn runs fn with the current run context. It does nothing while the
// manager is stopped.
func (m *Manager) spawn(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	ctx := m.runCtx
	m.goRun(func() { fn(ctx) })
}

func (m *Manager) goRun(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}
