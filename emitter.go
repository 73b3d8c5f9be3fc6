package atlaschat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Listener registry
// ============================================================================

type listener[T any] struct {
	fn func(T)
}

// emitter holds callbacks in registration order. The slice is replaced on
// every change so emit can iterate a snapshot without holding the lock.
type emitter[T any] struct {
	mu        sync.Mutex
	listeners []*listener[T]
	logger    zerolog.Logger
	name      string
}

func newEmitter[T any](name string, logger zerolog.Logger) *emitter[T] {
	return &emitter[T]{name: name, logger: logger}
}

// add registers fn and returns a func that removes it. Calling the returned
// func more than once is safe.
func (e *emitter[T]) add(fn func(T)) func() {
	l := &listener[T]{fn: fn}
	e.mu.Lock()
	next := make([]*listener[T], len(e.listeners), len(e.listeners)+1)
	copy(next, e.listeners)
	e.listeners = append(next, l)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(l) })
	}
}

func (e *emitter[T]) remove(l *listener[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := make([]*listener[T], 0, len(e.listeners))
	for _, x := range e.listeners {
		if x != l {
			next = append(next, x)
		}
	}
	e.listeners = next
}

func (e *emitter[T]) snapshot() []*listener[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listeners
}

func (e *emitter[T]) emit(v T) {
	for _, l := range e.snapshot() {
		e.call(l.fn, v)
	}
}

func (e *emitter[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("listener", e.name).Msg("listener panicked")
		}
	}()
	fn(v)
}

func (e *emitter[T]) clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}

// ============================================================================
// Clock
// ============================================================================

// clock is the time source for every timer in the package.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) timer
	NewTicker(d time.Duration) ticker
}

type timer interface {
	Stop() bool
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()               { t.t.Stop() }
