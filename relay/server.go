// Package relay is the realtime edge for atlaschat clients: it authenticates
// sockets, tracks presence with a TTL, relays typing between chat
// participants and pushes backend events to connected users.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
)

// InternalKeyHeader carries Config.InternalKey on /internal requests.
const InternalKeyHeader = "X-Internal-Key"

// Server serves the socket endpoint and the internal publishing API.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	auth     Authenticator
	hub      *Hub
	presence PresenceStore
	upgrader websocket.Upgrader
	engine   *gin.Engine
}

func NewServer(cfg Config, auth Authenticator, presence PresenceStore) *Server {
	cfg.defaults()
	if auth == nil {
		auth = StaticTokens(cfg.Tokens)
	}
	if presence == nil {
		presence = NewMemoryPresence(cfg.PresenceTTL)
	}
	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		auth:     auth,
		presence: presence,
		hub:      NewHub(cfg, presence, NewMembership()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the marketplace frontends on other origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(requestLogger(s.logger), gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/ws", s.handleSocket)

	internal := r.Group("/internal", s.requireInternalKey)
	internal.POST("/events", s.handlePublish)
	internal.PUT("/chats/:id/participants", s.handleParticipants)
	internal.GET("/presence", s.handlePresence)
	return r
}

// Run serves until ctx is cancelled, then closes every peer and shuts the
// HTTP server down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.sweep(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("relay stopped")
	return nil
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.hub.Sweep(); n > 0 {
				s.logger.Info().Int("closed", n).Msg("stale peers swept")
			}
		}
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": s.hub.PeerCount()})
}

func (s *Server) handleSocket(c *gin.Context) {
	userID, err := s.auth.Authenticate(c.Request.Context(), c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("upgrade failed")
		return
	}

	p := newPeer(uuid.NewString(), userID, conn, s.hub)
	go p.writeLoop()
	s.hub.register(p)
	go p.readLoop()
}

type publishRequest struct {
	UserIDs []string        `json:"userIds" binding:"required"`
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePublish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	data, err := json.Marshal(atlaschat.Envelope{Type: req.Type, Payload: req.Payload})
	var ev atlaschat.Event
	if err == nil {
		ev, err = atlaschat.DecodeEvent(data)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	switch e := ev.(type) {
	case atlaschat.ParticipantAddedEvent:
		s.hub.members.Add(e.ChatID, e.Participant.UserID)
	case atlaschat.ParticipantLeftEvent:
		s.hub.members.Remove(e.ChatID, e.UserID)
	}

	delivered := s.hub.publishRaw(req.UserIDs, data)
	s.logger.Debug().Str("type", req.Type).Int("delivered", delivered).Msg("event published")
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"delivered": delivered}})
}

type participantsRequest struct {
	UserIDs []string `json:"userIds"`
}

func (s *Server) handleParticipants(c *gin.Context) {
	var req participantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	chatID := c.Param("id")
	s.hub.members.Set(chatID, req.UserIDs)
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"participants": s.hub.members.Members(chatID)}})
}

func (s *Server) handlePresence(c *gin.Context) {
	ids := c.QueryArray("userId")
	online, err := s.presence.Online(c.Request.Context(), ids)
	if err != nil {
		s.logger.Error().Err(err).Msg("presence lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "presence store unavailable"})
		return
	}
	if online == nil {
		online = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"online": online}})
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requireInternalKey(c *gin.Context) {
	if s.cfg.InternalKey != "" && c.GetHeader(InternalKeyHeader) != s.cfg.InternalKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid internal key"})
		return
	}
	c.Next()
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}
