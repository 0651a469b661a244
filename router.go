package invoicesync

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Frame is the wire envelope for every realtime message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FrameHandler receives frames whose type matches a subscription prefix.
type FrameHandler func(topic string, payload json.RawMessage)

// Subscription is one registered interest in a topic prefix.
type Subscription struct {
	Prefix  string
	Handler FrameHandler
	id      uint64
}

// Router dispatches inbound frames to every subscription whose prefix starts
// the frame type. Frames are dispatched synchronously in arrival order;
// there is no replay for late subscribers.
type Router struct {
	mu     sync.RWMutex
	subs   []*Subscription
	nextID uint64
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With("component", "router")}
}

// Subscribe registers handler for prefix and returns its unsubscribe func.
// Calling the returned func more than once is harmless.
func (r *Router) Subscribe(prefix string, handler FrameHandler) (unsubscribe func()) {
	r.mu.Lock()
	r.nextID++
	sub := &Subscription{Prefix: prefix, Handler: handler, id: r.nextID}
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, s := range r.subs {
				if s.id == sub.id {
					r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of live subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers f to all matching handlers and returns how many matched.
func (r *Router) Dispatch(f Frame) int {
	r.mu.RLock()
	var matched []*Subscription
	for _, s := range r.subs {
		if strings.HasPrefix(f.Type, s.Prefix) {
			matched = append(matched, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range matched {
		r.call(s, f)
	}
	return len(matched)
}

func (r *Router) call(s *Subscription, f Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription handler panicked", "prefix", s.Prefix, "type", f.Type, "panic", rec)
		}
	}()
	s.Handler(f.Type, f.Payload)
}
