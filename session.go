package atlaschat

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// SessionConfig configures a Session. Zero values take the defaults of each
// component; BaseURL and Token default to the client's.
type SessionConfig struct {
	UserID   string
	UserName string

	Connection ConnectionConfig
	Reconciler ReconcilerConfig
	Typing     TypingConfig

	// Logger is used by every component whose own config leaves Logger
	// unset.
	Logger zerolog.Logger
}

// loggerOr returns l, or def when l is the zero Logger.
func loggerOr(l, def zerolog.Logger) zerolog.Logger {
	if reflect.ValueOf(l).IsZero() {
		return def
	}
	return l
}

// Session is the realtime state of one signed-in user: connection, router,
// presence, chat reconciliation and typing, wired together. Create one per
// login and Shutdown it on logout; sessions share nothing.
type Session struct {
	logger zerolog.Logger

	router     *Router
	presence   *PresenceCache
	conn       *Connection
	reconciler *Reconciler
	typing     *Typing

	mu      sync.Mutex
	started bool
	unsubs  []func()
}

func NewSession(client *Client, cfg SessionConfig) *Session {
	logger := cfg.Logger.With().Str("session_user", cfg.UserID).Logger()

	connCfg := cfg.Connection
	if connCfg.BaseURL == "" {
		connCfg.BaseURL = client.BaseURL()
	}
	if connCfg.Token == "" {
		connCfg.Token = client.Token()
	}
	connCfg.Logger = loggerOr(connCfg.Logger, logger)

	recCfg := cfg.Reconciler
	if recCfg.UserID == "" {
		recCfg.UserID = cfg.UserID
	}
	recCfg.Logger = loggerOr(recCfg.Logger, logger)

	typCfg := cfg.Typing
	if typCfg.UserID == "" {
		typCfg.UserID = cfg.UserID
	}
	if typCfg.UserName == "" {
		typCfg.UserName = cfg.UserName
	}
	typCfg.Logger = loggerOr(typCfg.Logger, logger)

	presence := NewPresenceCache()
	router := NewRouter(presence, logger)
	conn := NewConnection(connCfg, router)

	return &Session{
		logger:     logger.With().Str("component", "session").Logger(),
		router:     router,
		presence:   presence,
		conn:       conn,
		reconciler: NewReconciler(client.Chats(), NewMemoryStore(), recCfg),
		typing:     NewTyping(conn, typCfg),
	}
}

func (s *Session) Router() *Router          { return s.router }
func (s *Session) Presence() *PresenceCache { return s.presence }
func (s *Session) Connection() *Connection  { return s.conn }
func (s *Session) Chats() *Reconciler       { return s.reconciler }
func (s *Session) Typing() *Typing          { return s.typing }

// Start wires the components to the router and connects. Calling it on a
// started session does nothing.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.unsubs = []func(){
		On(s.router, s.handleConnected),
		On(s.router, func(e MessageEvent) {
			s.reconciler.HandleMessage(e)
			s.typing.RemoveUser(e.Message.ChatID, e.Message.SenderID)
		}),
		On(s.router, s.reconciler.HandleRead),
		On(s.router, func(e ParticipantAddedEvent) { s.reconciler.HandleParticipantAdded(e) }),
		On(s.router, func(e ParticipantLeftEvent) {
			s.reconciler.HandleParticipantLeft(e)
			s.typing.RemoveUser(e.ChatID, e.UserID)
		}),
		On(s.router, s.typing.HandleTyping),
		On(s.router, s.typing.HandleStopTyping),
	}
	s.mu.Unlock()

	s.logger.Debug().Msg("session started")
	s.conn.Connect()
}

// handleConnected adopts the server's view of the user id when none was
// configured.
func (s *Session) handleConnected(e ConnectedEvent) {
	if e.UserID == "" || s.reconciler.CurrentUser() != "" {
		return
	}
	s.reconciler.SetCurrentUser(e.UserID)
	s.typing.SetCurrentUser(e.UserID, "")
	s.logger.Debug().Str("user_id", e.UserID).Msg("current user set from server")
}

// Shutdown disconnects, cancels timers and detaches every handler. The
// session can be started again afterwards.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	s.conn.Disconnect()
	s.typing.Close()
	for _, unsub := range unsubs {
		unsub()
	}
	s.reconciler.Wait()
	s.presence.Reset()
	s.logger.Debug().Msg("session stopped")
}
