package invoicesync

import (
	"log/slog"
	"sync"
)

// Lifecycle event names.
const (
	EventQueueEnqueued   = "queue.enqueued"
	EventQueueConfirmed  = "queue.confirmed"
	EventQueueFailed     = "queue.failed"
	EventReplayComplete  = "replay.complete"
	EventFetchFailed     = "fetch.failed"
	EventSyncComplete    = "sync.complete"
	EventSyncError       = "sync.error"
	EventNetworkOnline   = "network.online"
	EventNetworkOffline  = "network.offline"
	EventRealtimeState   = "realtime.state"
	EventRealtimeMessage = "realtime.message"
)

// EventHandler handles lifecycle events.
type EventHandler func(event string, payload any)

// Emitter fans lifecycle events out to listeners. The zero value is ready to use.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	logger    *slog.Logger
}

// On registers a handler for event.
func (e *Emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *Emitter) emit(event string, payload any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	logger := e.logger
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil && logger != nil {
					logger.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}
