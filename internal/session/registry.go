// Package session maps client session ids to their live push channels.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/observability"
)

// Channel is a live push connection to one client.
type Channel interface {
	Send(ev events.Event) error
	Close() error
}

// Registry tracks which channel currently receives events for each session.
// At most one channel is bound per session id.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel

	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty Registry. metrics may be nil.
func NewRegistry(logger *zap.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		channels: make(map[string]Channel),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register acknowledges on ch, then binds ch to sessionID, replacing any
// previous channel without notifying it. The ack goes out before the binding
// is visible, so it is always the first event ch sees for sessionID.
func (r *Registry) Register(sessionID string, ch Channel) {
	if err := ch.Send(events.Registered(sessionID)); err != nil {
		r.logger.Debug("registration ack failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	r.mu.Lock()
	_, replaced := r.channels[sessionID]
	r.channels[sessionID] = ch
	r.mu.Unlock()

	r.logger.Debug("session registered", zap.String("session_id", sessionID), zap.Bool("replaced", replaced))
}

// Deliver sends ev to the channel bound to sessionID. Events for unknown
// sessions, or that fail to send, are dropped.
func (r *Registry) Deliver(sessionID string, ev events.Event) {
	r.mu.RLock()
	ch, ok := r.channels[sessionID]
	r.mu.RUnlock()

	ctx := context.Background()
	if !ok {
		r.metrics.EventDropped(ctx, "no_channel")
		return
	}
	if err := ch.Send(ev); err != nil {
		r.logger.Debug("dropping event",
			zap.String("session_id", sessionID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
		r.metrics.EventDropped(ctx, "send_failed")
		return
	}
	r.metrics.EventDelivered(ctx)
}

// Unbind removes whatever channel is bound to sessionID.
func (r *Registry) Unbind(sessionID string) {
	r.mu.Lock()
	delete(r.channels, sessionID)
	r.mu.Unlock()
}

// Release removes the binding for sessionID only if it still points at ch,
// so a superseded channel going away leaves its replacement in place.
func (r *Registry) Release(sessionID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.channels[sessionID]; ok && cur == ch {
		delete(r.channels, sessionID)
		return true
	}
	return false
}

// Sink returns an events.Sink publishing to sessionID.
func (r *Registry) Sink(sessionID string) events.Sink {
	return events.SinkFunc(func(ev events.Event) {
		r.Deliver(sessionID, ev)
	})
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CloseAll closes and forgets every channel.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]Channel)
	r.mu.Unlock()

	for id, ch := range channels {
		if err := ch.Close(); err != nil {
			r.logger.Debug("closing channel", zap.String("session_id", id), zap.Error(err))
		}
	}
}
