package atlaschat

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives one decoded event.
type Handler func(Event)

// Router decodes inbound frames once and fans each event out to the built-in
// consumers, then to handlers for its exact type, then to wildcard handlers.
// Delivery is synchronous on the caller's goroutine, so frames from one
// connection reach handlers in the order they were read.
type Router struct {
	presence *PresenceCache
	logger   zerolog.Logger

	mu       sync.Mutex
	handlers map[string][]*listener[Event]
}

// NewRouter creates a router. presence may be nil.
func NewRouter(presence *PresenceCache, logger zerolog.Logger) *Router {
	return &Router{
		presence: presence,
		logger:   logger.With().Str("component", "router").Logger(),
		handlers: make(map[string][]*listener[Event]),
	}
}

// Subscribe registers h for eventType, or for every event with Wildcard.
// The returned func removes the registration.
func (r *Router) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	l := &listener[Event]{fn: h}

	r.mu.Lock()
	cur := r.handlers[eventType]
	next := make([]*listener[Event], len(cur), len(cur)+1)
	copy(next, cur)
	r.handlers[eventType] = append(next, l)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(eventType, l) })
	}
}

func (r *Router) remove(eventType string, l *listener[Event]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.handlers[eventType]
	next := make([]*listener[Event], 0, len(cur))
	for _, x := range cur {
		if x != l {
			next = append(next, x)
		}
	}
	if len(next) == 0 {
		delete(r.handlers, eventType)
		return
	}
	r.handlers[eventType] = next
}

// On subscribes a handler typed to one event variant.
//
//	atlaschat.On(router, func(e atlaschat.MessageEvent) { ... })
func On[E Event](r *Router, h func(E)) (unsubscribe func()) {
	var zero E
	return r.Subscribe(zero.EventType(), func(e Event) {
		if typed, ok := e.(E); ok {
			h(typed)
		}
	})
}

// HandlerCount reports how many handlers are registered for eventType.
func (r *Router) HandlerCount(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[eventType])
}

// Dispatch decodes one frame and delivers it. Malformed frames are logged and
// dropped.
func (r *Router) Dispatch(data []byte) {
	ev, err := DecodeEvent(data)
	if err != nil {
		r.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}
	r.Deliver(ev)
}

// Deliver runs the delivery pipeline for an already decoded event.
func (r *Router) Deliver(ev Event) {
	r.builtin(ev)

	r.mu.Lock()
	typed := r.handlers[ev.EventType()]
	wildcard := r.handlers[Wildcard]
	r.mu.Unlock()

	for _, l := range typed {
		r.invoke(l.fn, ev)
	}
	for _, l := range wildcard {
		r.invoke(l.fn, ev)
	}
}

func (r *Router) builtin(ev Event) {
	switch e := ev.(type) {
	case UserOnlineEvent:
		if r.presence != nil {
			r.presence.SetOnline(e.UserID)
		}
	case UserOfflineEvent:
		if r.presence != nil {
			r.presence.SetOffline(e.UserID)
		}
	case ConnectedEvent:
		r.logger.Info().Str("connection_id", e.ConnectionID).Str("user_id", e.UserID).Msg("connection confirmed")
	case ErrorEvent:
		r.logger.Error().Str("message", e.Message).Msg("server error")
	case UnknownEvent:
		r.logger.Debug().Str("type", e.Type).Msg("unrecognised event type")
	}
}

func (r *Router) invoke(h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("type", ev.EventType()).Msg("handler panicked")
		}
	}()
	h(ev)
}
