package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// peer is one socket of an authenticated user. A user may hold several.
type peer struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	logger zerolog.Logger

	egress   chan []byte
	lastSeen atomic.Int64

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newPeer(id, userID string, conn *websocket.Conn, hub *Hub) *peer {
	p := &peer{
		id:     id,
		userID: userID,
		conn:   conn,
		hub:    hub,
		logger: hub.logger.With().Str("peer_id", id).Str("user_id", userID).Logger(),
		egress: make(chan []byte, hub.cfg.SendBuffer),
		done:   make(chan struct{}),
	}
	p.seen(hub.now())
	return p
}

func (p *peer) seen(t time.Time) { p.lastSeen.Store(t.UnixNano()) }

func (p *peer) lastSeenAt() time.Time { return time.Unix(0, p.lastSeen.Load()) }

// send queues one frame. A peer that cannot keep up is disconnected.
func (p *peer) send(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.egress <- data:
		return true
	default:
		p.logger.Warn().Msg("egress full, disconnecting")
		p.close(websocket.CloseTryAgainLater, "too slow")
		return false
	}
}

// close asks the write loop to send a close frame and tear down the socket.
func (p *peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		p.closeCode, p.closeReason = code, reason
		close(p.done)
	})
}

func (p *peer) readLoop() {
	defer func() {
		p.hub.unregister(p)
		p.close(websocket.CloseNormalClosure, "")
	}()

	pongWait := 2 * p.hub.cfg.PingInterval
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				p.logger.Debug().Int("code", ce.Code).Msg("peer closed")
			} else {
				p.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
		p.hub.handleFrame(p, data)
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(p.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			// 1006 is never sent on the wire.
			if p.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(p.closeCode, p.closeReason)
				_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return
		case data := <-p.egress:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug().Err(err).Msg("write failed")
				p.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.logger.Debug().Err(err).Msg("ping failed")
				p.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}
