package atlaschat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// BaseURL is the REST origin; the socket URL is derived from it.
	BaseURL string
	Token   string

	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	// HeartbeatInterval must stay below the server's 5 minute presence TTL.
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	// HTTPClient is used for the upgrade request. Its Timeout must be zero.
	HTTPClient *http.Client
	Logger     zerolog.Logger

	dialer dialer
	clock  clock
}

func (c *ConnectionConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 4 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.dialer == nil {
		c.dialer = wsDialer{httpClient: c.HTTPClient}
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
}

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusError is reported when the transport fails without a close
	// frame. It is always followed by StatusDisconnected.
	StatusError Status = "error"
)

// statusNoFrame marks a failure where no close frame was received.
const statusNoFrame = -1

// backoffDelay is the wait before retry number attempt (1-based).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// ============================================================================
// Transport
// ============================================================================

type transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

type dialer interface {
	Dial(ctx context.Context, url string) (transport, error)
}

// CloseError is returned by a transport read when the peer sent a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return "connection closed: status " + websocket.StatusCode(e.Code).String() + " " + e.Reason
}

// closeCode extracts the close status from a read error, or statusNoFrame.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return statusNoFrame
}

type wsDialer struct {
	httpClient *http.Client
}

func (d wsDialer) Dial(ctx context.Context, url string) (transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, err
	}
	return wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (t wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns one realtime socket and keeps it alive: it reconnects with
// exponential backoff after abnormal closes and sends heartbeats while open.
//
// Every Connect starts a new epoch. Callbacks from an older epoch, including
// retries already scheduled, see the mismatch and do nothing.
type Connection struct {
	cfg    ConnectionConfig
	router *Router
	logger zerolog.Logger

	mu           sync.Mutex
	status       Status
	attempts     int
	lastOpenedAt time.Time
	epoch        uint64
	closedByUser bool
	conn         transport
	cancel       context.CancelFunc
	retry        timer

	statusListeners *emitter[Status]
}

// NewConnection creates a disconnected Connection that delivers inbound
// frames to router.
func NewConnection(cfg ConnectionConfig, router *Router) *Connection {
	cfg.defaults()
	logger := cfg.Logger.With().Str("component", "connection").Logger()
	return &Connection{
		cfg:             cfg,
		router:          router,
		logger:          logger,
		status:          StatusDisconnected,
		statusListeners: newEmitter[Status]("status", logger),
	}
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ReconnectAttempts is the number of retries since the last successful open.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Connection) LastOpenedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpenedAt
}

// SetToken replaces the credential used by the next Connect.
func (c *Connection) SetToken(token string) {
	c.mu.Lock()
	c.cfg.Token = token
	c.mu.Unlock()
}

// Subscribe registers a handler on the underlying router.
func (c *Connection) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	return c.router.Subscribe(eventType, h)
}

// OnStatusChange registers fn and calls it once right away with the current
// status.
func (c *Connection) OnStatusChange(fn func(Status)) (unsubscribe func()) {
	unsubscribe = c.statusListeners.add(fn)
	c.statusListeners.call(fn, c.Status())
	return unsubscribe
}

// Connect opens the socket in the background. It does nothing when a
// connection is open or being opened, and only logs when no token is set.
func (c *Connection) Connect() {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	if c.cfg.Token == "" {
		c.mu.Unlock()
		c.logger.Warn().Msg("connect skipped: no token")
		return
	}
	c.stopRetryLocked()
	c.attempts = 0
	c.closedByUser = false
	c.epoch++
	ep := c.epoch
	c.mu.Unlock()

	c.open(ep)
}

// Disconnect closes the socket with a normal closure and cancels any pending
// retry. The connection stays down until the next Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.closedByUser = true
	c.epoch++
	c.stopRetryLocked()
	t, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	prev := c.status
	c.status = StatusDisconnected
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(int(websocket.StatusNormalClosure), "client disconnect"); err != nil {
			c.logger.Debug().Err(err).Msg("close after disconnect")
		}
	}
	if cancel != nil {
		cancel()
	}
	if prev != StatusDisconnected {
		c.statusListeners.emit(StatusDisconnected)
	}
}

// Send writes one envelope. It returns false, without queueing, unless the
// connection is open.
func (c *Connection) Send(eventType string, payload any) bool {
	c.mu.Lock()
	t, status := c.conn, c.status
	c.mu.Unlock()

	if status != StatusConnected || t == nil {
		c.logger.Debug().Str("type", eventType).Str("status", string(status)).Msg("send dropped: not connected")
		return false
	}

	data, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", eventType).Msg("send dropped: encode failed")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := t.Write(ctx, data); err != nil {
		c.logger.Warn().Err(err).Str("type", eventType).Msg("send failed")
		return false
	}
	return true
}

func (c *Connection) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// setStatus applies s if ep is still current.
func (c *Connection) setStatus(ep uint64, s Status) bool {
	c.mu.Lock()
	if ep != c.epoch || c.closedByUser {
		c.mu.Unlock()
		return false
	}
	changed := c.status != s
	c.status = s
	c.mu.Unlock()

	if changed {
		c.statusListeners.emit(s)
	}
	return true
}

func (c *Connection) open(ep uint64) {
	c.mu.Lock()
	if ep != c.epoch || c.closedByUser {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	u, err := realtimeURL(c.cfg.BaseURL, c.cfg.Token)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("connect skipped")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	changed := c.status != StatusConnecting
	c.status = StatusConnecting
	c.mu.Unlock()

	if changed {
		c.statusListeners.emit(StatusConnecting)
	}
	go c.run(ctx, ep, u)
}

// run dials and then reads until the transport fails.
func (c *Connection) run(ctx context.Context, ep uint64, url string) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	t, err := c.cfg.dialer.Dial(dialCtx, url)
	cancelDial()
	if err != nil {
		c.logger.Warn().Err(err).Msg("dial failed")
		c.handleFailure(ep, err)
		return
	}

	c.mu.Lock()
	if ep != c.epoch || c.closedByUser {
		c.mu.Unlock()
		t.Close(int(websocket.StatusNormalClosure), "client disconnect")
		return
	}
	c.conn = t
	c.status = StatusConnected
	c.attempts = 0
	c.lastOpenedAt = c.cfg.clock.Now()
	c.mu.Unlock()

	c.logger.Info().Msg("connected")
	c.statusListeners.emit(StatusConnected)

	go c.heartbeatLoop(ctx)
	c.readLoop(ctx, ep, t)
}

func (c *Connection) readLoop(ctx context.Context, ep uint64, t transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.handleFailure(ep, err)
			return
		}
		c.router.Dispatch(data)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	tk := c.cfg.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C():
			if ctx.Err() != nil {
				return
			}
			c.Send(TypeHeartbeat, HeartbeatEvent{})
		}
	}
}

// handleFailure tears down the current transport and decides whether to retry.
// A normal closure from the server is final; anything else is retried.
func (c *Connection) handleFailure(ep uint64, err error) {
	c.mu.Lock()
	if ep != c.epoch || c.closedByUser {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.mu.Unlock()

	code := closeCode(err)
	if code == int(websocket.StatusNormalClosure) {
		c.logger.Info().Msg("closed normally by server")
		c.setStatus(ep, StatusDisconnected)
		return
	}

	c.logger.Warn().Err(err).Int("code", code).Msg("connection lost")
	if code == statusNoFrame {
		c.setStatus(ep, StatusError)
	}
	c.setStatus(ep, StatusDisconnected)
	c.scheduleReconnect(ep)
}

func (c *Connection) scheduleReconnect(ep uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ep != c.epoch || c.closedByUser {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Error().Int("attempts", c.attempts).Msg("giving up reconnecting")
		return
	}
	c.attempts++
	delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.attempts)
	c.retry = c.cfg.clock.AfterFunc(delay, func() { c.open(ep) })
	c.logger.Info().Int("attempt", c.attempts).Dur("delay", delay).Msg("reconnect scheduled")
}
