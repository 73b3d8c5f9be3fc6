package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
)

const presenceTimeout = 2 * time.Second

// Hub tracks connected peers per user and fans events out to them.
type Hub struct {
	cfg      Config
	logger   zerolog.Logger
	presence PresenceStore
	members  *Membership
	now      func() time.Time

	mu    sync.RWMutex
	peers map[string]map[string]*peer // userID -> peerID -> peer
}

func NewHub(cfg Config, presence PresenceStore, members *Membership) *Hub {
	cfg.defaults()
	if presence == nil {
		presence = NewMemoryPresence(cfg.PresenceTTL)
	}
	if members == nil {
		members = NewMembership()
	}
	return &Hub{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "hub").Logger(),
		presence: presence,
		members:  members,
		now:      time.Now,
		peers:    make(map[string]map[string]*peer),
	}
}

func (h *Hub) Membership() *Membership { return h.members }

// ── Registration ─────────────────────────────────────────

// register adds p, confirms the connection to it and announces the user's
// arrival when this is their first peer. The new peer also learns who is
// already online.
func (h *Hub) register(p *peer) {
	h.sendEvent(p, atlaschat.ConnectedEvent{ConnectionID: p.id, UserID: p.userID})

	h.mu.Lock()
	conns := h.peers[p.userID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*peer)
		h.peers[p.userID] = conns
	}
	conns[p.id] = p
	others := h.onlineLocked(p.userID)
	h.mu.Unlock()

	h.touch(p.userID)

	now := h.now().UTC()
	for _, id := range others {
		h.sendEvent(p, atlaschat.UserOnlineEvent{UserID: id, Timestamp: now})
	}
	if first {
		h.logger.Info().Str("user_id", p.userID).Msg("user online")
		h.broadcastExcept(p.userID, atlaschat.UserOnlineEvent{UserID: p.userID, Timestamp: now})
	}
}

// unregister removes p and announces the user's departure when it was their
// last peer.
func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	conns := h.peers[p.userID]
	if _, ok := conns[p.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, p.id)
	last := len(conns) == 0
	if last {
		delete(h.peers, p.userID)
	}
	h.mu.Unlock()

	if !last {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Remove(ctx, p.userID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", p.userID).Msg("presence remove failed")
	}
	h.logger.Info().Str("user_id", p.userID).Msg("user offline")
	h.broadcastExcept(p.userID, atlaschat.UserOfflineEvent{UserID: p.userID, Timestamp: h.now().UTC()})
}

func (h *Hub) onlineLocked(except string) []string {
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		if id != except {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Online lists connected user ids, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked("")
}

// PeerCount is the number of open sockets.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.peers {
		n += len(conns)
	}
	return n
}

func (h *Hub) touch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.Touch(ctx, userID); err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("presence touch failed")
	}
}

// ── Inbound frames ───────────────────────────────────────

type chatRef struct {
	ChatID   string `json:"chatId"`
	UserName string `json:"userName"`
}

func (h *Hub) handleFrame(p *peer, data []byte) {
	var env atlaschat.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		p.logger.Warn().Msg("malformed frame dropped")
		return
	}

	switch env.Type {
	case atlaschat.TypeHeartbeat:
		p.seen(h.now())
		h.touch(p.userID)
	case atlaschat.TypeChatTyping, atlaschat.TypeChatStopTyping:
		var ref chatRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil || ref.ChatID == "" {
			p.logger.Warn().Str("type", env.Type).Msg("typing frame without chat id dropped")
			return
		}
		if !h.members.Has(ref.ChatID, p.userID) {
			p.logger.Debug().Str("chat_id", ref.ChatID).Msg("typing for a chat the user is not in")
			return
		}
		var ev atlaschat.Event = atlaschat.StopTypingEvent{ChatID: ref.ChatID, UserID: p.userID}
		if env.Type == atlaschat.TypeChatTyping {
			ev = atlaschat.TypingEvent{ChatID: ref.ChatID, UserID: p.userID, UserName: ref.UserName}
		}
		targets := h.members.Members(ref.ChatID)
		h.Publish(without(targets, p.userID), ev)
	default:
		p.logger.Debug().Str("type", env.Type).Msg("unhandled client frame")
	}
}

// ── Outbound ─────────────────────────────────────────────

// Publish sends ev to every peer of every listed user and reports how many
// peers accepted it.
func (h *Hub) Publish(userIDs []string, ev atlaschat.Event) int {
	data, err := atlaschat.EncodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.EventType()).Msg("encode failed")
		return 0
	}
	return h.publishRaw(userIDs, data)
}

func (h *Hub) publishRaw(userIDs []string, data []byte) int {
	var targets []*peer
	h.mu.RLock()
	for _, id := range userIDs {
		for _, p := range h.peers[id] {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, p := range targets {
		if p.send(data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) broadcastExcept(userID string, ev atlaschat.Event) {
	h.mu.RLock()
	others := h.onlineLocked(userID)
	h.mu.RUnlock()
	h.Publish(others, ev)
}

func (h *Hub) sendEvent(p *peer, ev atlaschat.Event) {
	data, err := atlaschat.EncodeEvent(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", ev.EventType()).Msg("encode failed")
		return
	}
	p.send(data)
}

// ── Maintenance ──────────────────────────────────────────

// Sweep closes peers that sent no heartbeat within the presence TTL and
// returns how many it closed.
func (h *Hub) Sweep() int {
	cutoff := h.now().Add(-h.cfg.PresenceTTL)
	var stale []*peer
	h.mu.RLock()
	for _, conns := range h.peers {
		for _, p := range conns {
			if p.lastSeenAt().Before(cutoff) {
				stale = append(stale, p)
			}
		}
	}
	h.mu.RUnlock()

	for _, p := range stale {
		p.logger.Info().Time("last_seen", p.lastSeenAt()).Msg("closing stale peer")
		p.close(websocket.CloseGoingAway, "heartbeat timeout")
	}
	return len(stale)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*peer
	for _, conns := range h.peers {
		for _, p := range conns {
			all = append(all, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range all {
		p.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func without(ids []string, drop string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
