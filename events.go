package clinicsync

import (
	"log/slog"
	"sync"
)

// Event names emitted by the queue and the sync coordinator.
const (
	EventSyncStart          = "sync.start"
	EventSyncComplete       = "sync.complete"
	EventOperationQueued    = "operation.queued"
	EventOperationSynced    = "operation.synced"
	EventOperationFailed    = "operation.failed"
	EventOperationAbandoned = "operation.abandoned"
	EventEntityConflict     = "entity.conflict"
	EventNetworkOnline      = "network.online"
	EventNetworkOffline     = "network.offline"
)

// EventHandler handles a named event. Payload types are documented per event.
type EventHandler func(event string, payload any)

// Emitter fans events out to subscribers. A panicking handler is logged
// and does not stop the others.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       *slog.Logger
}

func newEmitter(log *slog.Logger) *Emitter {
	return &Emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On subscribes handler to event.
func (e *Emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *Emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("event handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *Emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
