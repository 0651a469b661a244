package invoicesync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Probe reports whether the API is reachable. A nil error means reachable.
type Probe func(ctx context.Context) error

// ReachabilityMonitor tracks whether the API can be reached and signals the
// transitions. The first observation only establishes the state.
type ReachabilityMonitor struct {
	probe        Probe
	probeTimeout time.Duration
	logger       *slog.Logger

	mu            sync.Mutex
	known         bool
	reachable     bool
	onReachable   []func()
	onUnreachable []func()
}

// NewReachabilityMonitor creates a monitor. probe may be nil when the state
// is only ever driven through Set.
func NewReachabilityMonitor(probe Probe, logger *slog.Logger) *ReachabilityMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReachabilityMonitor{
		probe:        probe,
		probeTimeout: 5 * time.Second,
		logger:       logger.With("component", "reachability"),
	}
}

// OnReachable registers a handler for the unreachable to reachable edge.
func (m *ReachabilityMonitor) OnReachable(h func()) {
	m.mu.Lock()
	m.onReachable = append(m.onReachable, h)
	m.mu.Unlock()
}

// OnUnreachable registers a handler for the reachable to unreachable edge.
func (m *ReachabilityMonitor) OnUnreachable(h func()) {
	m.mu.Lock()
	m.onUnreachable = append(m.onUnreachable, h)
	m.mu.Unlock()
}

// Reachable returns the last observed state. It is false before any observation.
func (m *ReachabilityMonitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.reachable
}

// Set records an observation and fires handlers if it flips the state.
func (m *ReachabilityMonitor) Set(reachable bool) {
	m.mu.Lock()
	first := !m.known
	changed := first || m.reachable != reachable
	m.known = true
	m.reachable = reachable
	var handlers []func()
	if changed && !first {
		if reachable {
			handlers = append(handlers, m.onReachable...)
		} else {
			handlers = append(handlers, m.onUnreachable...)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("reachability changed", "reachable", reachable)
	for _, h := range handlers {
		h()
	}
}

// Check runs the probe once and records the result.
func (m *ReachabilityMonitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Reachable()
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	err := m.probe(pctx)
	if ctx.Err() != nil {
		return m.Reachable()
	}
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *ReachabilityMonitor) Run(ctx context.Context, interval time.Duration) {
	m.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
