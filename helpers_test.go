package atlaschat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func expectNone[T any](t *testing.T, ch <-chan T, what string) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected %s: %v", what, v)
	case <-time.After(100 * time.Millisecond):
	}
}

// ============================================================================
// Fake clock
// ============================================================================

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	timers    []*fakeTimer
	tickers   []*fakeTicker
	scheduled chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch, scheduled: make(chan time.Duration, 64)}
}

type fakeTimer struct {
	clk     *fakeClock
	at      time.Time
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeTicker struct {
	clk      *fakeClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clk.mu.Lock()
	t.stopped = true
	t.clk.mu.Unlock()
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timer {
	c.mu.Lock()
	t := &fakeTimer{clk: c, at: c.now.Add(d), delay: d, f: f}
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	select {
	case c.scheduled <- d:
	default:
	}
	return t
}

func (c *fakeClock) NewTicker(d time.Duration) ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clk: c, interval: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves time forward, runs due timers in deadline order and ticks
// due tickers.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	for _, tk := range c.tickers {
		for !tk.stopped && !tk.next.After(c.now) {
			select {
			case tk.ch <- tk.next:
			default:
			}
			tk.next = tk.next.Add(tk.interval)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// runAll runs every timer callback that has not fired, stopped or not.
func (c *fakeClock) runAll() {
	c.mu.Lock()
	var all []*fakeTimer
	for _, t := range c.timers {
		if !t.fired {
			t.fired = true
			all = append(all, t)
		}
	}
	c.mu.Unlock()
	for _, t := range all {
		t.f()
	}
}

func (c *fakeClock) activeTimers() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

func (c *fakeClock) activeTickers() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.tickers {
		if !t.stopped {
			out = append(out, t.interval)
		}
	}
	return out
}

// ============================================================================
// Fake transport
// ============================================================================

var errTransportClosed = errors.New("transport closed")

type fakeTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	closeErr error

	mu        sync.Mutex
	writes    [][]byte
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.incoming:
		return data, nil
	case <-f.closed:
		return nil, f.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	select {
	case <-f.closed:
		return errTransportClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closeCode = code
	f.mu.Unlock()
	f.fail(&CloseError{Code: code, Reason: reason})
	return nil
}

// fail ends the read side with err, as a peer close or network error would.
func (f *fakeTransport) fail(err error) {
	f.once.Do(func() {
		f.closeErr = err
		close(f.closed)
	})
}

func (f *fakeTransport) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	data, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f.incoming <- data
}

func (f *fakeTransport) written() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.writes))
	for _, w := range f.writes {
		var env Envelope
		if json.Unmarshal(w, &env) == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

type fakeDialer struct {
	respond func(n int) (transport, error)
	calls   chan string

	mu    sync.Mutex
	n     int
	conns []*fakeTransport
}

func newFakeDialer(respond func(n int) (transport, error)) *fakeDialer {
	return &fakeDialer{respond: respond, calls: make(chan string, 64)}
}

// succeed returns a transport for every dial.
func succeed(n int) (transport, error) { return newFakeTransport(), nil }

func refuse(n int) (transport, error) { return nil, errors.New("connection refused") }

func (d *fakeDialer) Dial(ctx context.Context, url string) (transport, error) {
	d.mu.Lock()
	d.n++
	n := d.n
	d.mu.Unlock()

	t, err := d.respond(n)
	if ft, ok := t.(*fakeTransport); ok && err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, ft)
		d.mu.Unlock()
	}
	d.calls <- url
	return t, err
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.n
}

// ============================================================================
// Fake sender
// ============================================================================

type sentEnvelope struct {
	Type    string
	Payload any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentEnvelope
}

func (s *fakeSender) Send(eventType string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentEnvelope{Type: eventType, Payload: payload})
	return true
}

func (s *fakeSender) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, e := range s.sent {
		out[i] = e.Type
	}
	return out
}

func (s *fakeSender) count(eventType string) int {
	n := 0
	for _, typ := range s.types() {
		if typ == eventType {
			n++
		}
	}
	return n
}
