package invoicesync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transport.
type RealtimeConfig struct {
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// SSEFallbackAfter is the number of consecutive failed connects after
	// which the transport targets the SSE endpoint instead of WebSocket.
	SSEFallbackAfter int
	// SSEIdleTimeout drops an SSE stream that has been silent this long.
	SSEIdleTimeout time.Duration
	// HTTPClient dials both channels. It must not set Timeout: the streams
	// are long-lived and the WebSocket dialer rejects client timeouts.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.SSEFallbackAfter == 0 {
		c.SSEFallbackAfter = 5
	}
	if c.SSEIdleTimeout == 0 {
		c.SSEIdleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TransportState is the realtime connection state.
type TransportState string

const (
	StateDisconnected  TransportState = "disconnected"
	StateConnectingWS  TransportState = "connecting_ws"
	StateConnectedWS   TransportState = "connected_ws"
	StateConnectingSSE TransportState = "connecting_sse"
	StateConnectedSSE  TransportState = "connected_sse"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks consecutive failed connects. The delay before the next
// attempt is min(max, base*2^attempts), taken before attempts is incremented.
type reconnector struct {
	base      time.Duration
	threshold int
	attempts  int
	backoff   *backoff.ExponentialBackOff
}

func newReconnector(config *RealtimeConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return &reconnector{
		base:      config.ReconnectBaseDelay,
		threshold: config.SSEFallbackAfter,
		backoff:   b,
	}
}

// failed records a failed connect and returns the delay before retrying.
func (r *reconnector) failed() time.Duration {
	delay := r.backoff.NextBackOff()
	r.attempts++
	return delay
}

// succeeded resets the counter after any successful connect.
func (r *reconnector) succeeded() {
	r.attempts = 0
	r.backoff.Reset()
}

// closedDelay is the delay after a live connection drops. Attempts is zero
// then, so it is the base delay.
func (r *reconnector) closedDelay() time.Duration {
	return r.base
}

func (r *reconnector) useSSE() bool {
	return r.attempts >= r.threshold
}

// ============================================================================
// Transport
// ============================================================================

// Transport keeps at most one live realtime channel to the server:
// WebSocket preferred, Server-Sent Events after repeated WebSocket failures.
// It is receive-only; inbound frames go to the router.
type Transport struct {
	config *RealtimeConfig
	router *Router
	logger *slog.Logger

	mu          sync.Mutex
	state       TransportState
	recon       *reconnector
	loopCtx     context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	kick        chan struct{}
	onState     []func(TransportState)
	onReconnect []func(attempt int, delay time.Duration, target TransportState)
}

// NewTransport creates a disconnected transport feeding router.
func NewTransport(router *Router, config *RealtimeConfig) *Transport {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Transport{
		config: &cfg,
		router: router,
		logger: cfg.Logger.With("component", "realtime"),
		state:  StateDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// OnStateChange registers a handler called on every state transition.
func (t *Transport) OnStateChange(h func(TransportState)) {
	t.mu.Lock()
	t.onState = append(t.onState, h)
	t.mu.Unlock()
}

// OnReconnect registers a handler called whenever a reconnect is scheduled.
func (t *Transport) OnReconnect(h func(attempt int, delay time.Duration, target TransportState)) {
	t.mu.Lock()
	t.onReconnect = append(t.onReconnect, h)
	t.mu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// IsConnected reports whether either channel is live.
func (t *Transport) IsConnected() bool {
	s := t.State()
	return s == StateConnectedWS || s == StateConnectedSSE
}

// Attempts returns the number of consecutive failed connects.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recon.attempts
}

// Connect starts maintaining a channel to baseURL. While a channel is live or
// being established it is a no-op; while waiting out a reconnect delay it
// cancels the pending timer and retries immediately.
func (t *Transport) Connect(ctx context.Context, baseURL string) {
	if ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// A loop whose context has ended is on its way out and is replaced.
	if t.cancel != nil && t.loopCtx.Err() == nil {
		if t.state == StateDisconnected {
			select {
			case t.kick <- struct{}{}:
			default:
			}
		}
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.loopCtx = loopCtx
	t.cancel = cancel
	t.done = make(chan struct{})
	t.kick = make(chan struct{}, 1)
	go t.run(loopCtx, strings.TrimRight(baseURL, "/"), t.done, t.kick)
}

// Close tears down the channel and any pending reconnect.
func (t *Transport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (t *Transport) run(ctx context.Context, baseURL string, done chan struct{}, kick chan struct{}) {
	defer close(done)
	defer t.release(done)

	for {
		if ctx.Err() != nil {
			return
		}
		t.mu.Lock()
		useSSE := t.recon.useSSE()
		t.mu.Unlock()

		var connected bool
		var err error
		if useSSE {
			connected, err = t.runSSE(ctx, baseURL)
		} else {
			connected, err = t.runWS(ctx, baseURL)
		}
		if ctx.Err() != nil {
			return
		}
		t.setState(StateDisconnected)

		t.mu.Lock()
		var delay time.Duration
		if connected {
			delay = t.recon.closedDelay()
		} else {
			delay = t.recon.failed()
		}
		attempt := t.recon.attempts
		target := StateConnectingWS
		if t.recon.useSSE() {
			target = StateConnectingSSE
		}
		handlers := append([]func(int, time.Duration, TransportState){}, t.onReconnect...)
		t.mu.Unlock()

		if connected {
			t.logger.Info("realtime channel closed, reconnecting", "error", err, "delay", delay)
		} else {
			t.logger.Warn("realtime connect failed", "error", err, "attempt", attempt, "delay", delay, "next", target)
		}
		for _, h := range handlers {
			h(attempt, delay, target)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// release clears the loop bookkeeping when the loop owning done exits, so a
// later Connect starts a fresh loop. A loop already replaced leaves the newer
// one's state alone.
func (t *Transport) release(done chan struct{}) {
	t.mu.Lock()
	if t.done != done {
		t.mu.Unlock()
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.loopCtx, t.cancel, t.done, t.kick = nil, nil, nil, nil
	t.mu.Unlock()
	t.setState(StateDisconnected)
}

func (t *Transport) setState(s TransportState) {
	t.mu.Lock()
	if t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	handlers := append([]func(TransportState){}, t.onState...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (t *Transport) markConnected(s TransportState) {
	t.mu.Lock()
	t.recon.succeeded()
	t.mu.Unlock()
	t.setState(s)
	t.logger.Info("realtime connected", "state", s)
}

// deliver decodes one frame and routes it. Malformed frames are dropped.
func (t *Transport) deliver(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		t.logger.Debug("dropping malformed frame", "bytes", len(data))
		return
	}
	t.router.Dispatch(f)
}

// ── WebSocket ────────────────────────────────────────────

func wsURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func (t *Transport) runWS(ctx context.Context, baseURL string) (bool, error) {
	t.setState(StateConnectingWS)
	conn, _, err := websocket.Dial(ctx, wsURL(baseURL), &websocket.DialOptions{
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	t.markConnected(StateConnectedWS)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("websocket read: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		t.deliver(data)
	}
}

// ── Server-Sent Events ───────────────────────────────────

func (t *Transport) runSSE(ctx context.Context, baseURL string) (bool, error) {
	t.setState(StateConnectingSSE)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.config.HTTPClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("SSE connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	t.markConnected(StateConnectedSSE)

	var (
		lastMu   sync.Mutex
		lastData = time.Now()
	)
	go func() {
		interval := t.config.SSEIdleTimeout / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				lastMu.Lock()
				stale := time.Since(lastData) > t.config.SSEIdleTimeout
				lastMu.Unlock()
				if stale {
					t.logger.Warn("SSE stream idle, dropping")
					cancel()
					return
				}
			}
		}
	}()

	err = readSSE(resp.Body, func() {
		lastMu.Lock()
		lastData = time.Now()
		lastMu.Unlock()
	}, t.deliver)
	if err == nil {
		err = io.EOF
	}
	return true, fmt.Errorf("SSE stream ended: %w", err)
}

// readSSE parses a text/event-stream body, calling onData with the joined
// data lines of each complete event. onLine is called for every line read,
// comments included, to feed the idle watchdog.
func readSSE(r io.Reader, onLine func(), onData func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data [][]byte
	for sc.Scan() {
		if onLine != nil {
			onLine()
		}
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if len(data) > 0 {
				onData(bytes.Join(data, []byte("\n")))
				data = nil
			}
		case line[0] == ':':
			// comment / heartbeat
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			if string(field) == "data" {
				value = bytes.TrimPrefix(value, []byte(" "))
				data = append(data, append([]byte(nil), value...))
			}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
