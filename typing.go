package atlaschat

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender writes one envelope to the server. *Connection implements it.
type Sender interface {
	Send(eventType string, payload any) bool
}

type TypingConfig struct {
	UserID   string
	UserName string
	// StopDelay is the idle time after the last keystroke before
	// chat:stop_typing is sent.
	StopDelay time.Duration
	// InboundExpiry drops a peer's typing entry when no typing event
	// refreshed it in time, in case their stop event was lost.
	InboundExpiry time.Duration
	Logger        zerolog.Logger

	clock clock
}

func (c *TypingConfig) defaults() {
	if c.StopDelay == 0 {
		c.StopDelay = 2 * time.Second
	}
	if c.InboundExpiry == 0 {
		c.InboundExpiry = 5 * time.Second
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
}

// Typist is one peer currently typing.
type Typist struct {
	UserID   string
	UserName string
}

type typingEntry struct {
	Typist
	since  time.Time
	gen    uint64
	expiry timer
}

type outboundTyping struct {
	gen  uint64
	stop timer
}

// Typing sends the local user's typing signals with debouncing and collects
// peers' typing state per chat.
type Typing struct {
	sender Sender
	cfg    TypingConfig
	logger zerolog.Logger

	mu       sync.Mutex
	me       string
	myName   string
	gen      uint64
	outbound map[string]*outboundTyping
	inbound  map[string]map[string]*typingEntry

	changes *emitter[string]
}

func NewTyping(sender Sender, cfg TypingConfig) *Typing {
	cfg.defaults()
	logger := cfg.Logger.With().Str("component", "typing").Logger()
	return &Typing{
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		me:       cfg.UserID,
		myName:   cfg.UserName,
		outbound: make(map[string]*outboundTyping),
		inbound:  make(map[string]map[string]*typingEntry),
		changes:  newEmitter[string]("typing change", logger),
	}
}

func (t *Typing) SetCurrentUser(userID, userName string) {
	t.mu.Lock()
	t.me = userID
	if userName != "" {
		t.myName = userName
	}
	t.mu.Unlock()
}

// OnChange is called with the chat id whenever its typists change.
func (t *Typing) OnChange(fn func(chatID string)) (unsubscribe func()) {
	return t.changes.add(fn)
}

// ── Outbound ─────────────────────────────────────────────

// Keystroke sends chat:typing and restarts the idle timer that sends
// chat:stop_typing.
func (t *Typing) Keystroke(chatID string) {
	t.mu.Lock()
	me, name := t.me, t.myName
	if cur := t.outbound[chatID]; cur != nil {
		cur.stop.Stop()
	}
	t.gen++
	gen := t.gen
	t.outbound[chatID] = &outboundTyping{
		gen:  gen,
		stop: t.cfg.clock.AfterFunc(t.cfg.StopDelay, func() { t.idle(chatID, gen) }),
	}
	t.mu.Unlock()

	t.sender.Send(TypeChatTyping, TypingEvent{ChatID: chatID, UserID: me, UserName: name})
}

func (t *Typing) idle(chatID string, gen uint64) {
	t.mu.Lock()
	cur := t.outbound[chatID]
	if cur == nil || cur.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.outbound, chatID)
	me := t.me
	t.mu.Unlock()

	t.sender.Send(TypeChatStopTyping, StopTypingEvent{ChatID: chatID, UserID: me})
}

// Submit cancels the idle timer and sends chat:stop_typing right away.
func (t *Typing) Submit(chatID string) {
	t.mu.Lock()
	if cur := t.outbound[chatID]; cur != nil {
		cur.stop.Stop()
		delete(t.outbound, chatID)
	}
	me := t.me
	t.mu.Unlock()

	t.sender.Send(TypeChatStopTyping, StopTypingEvent{ChatID: chatID, UserID: me})
}

// Close cancels every pending timer and forgets peers' state.
func (t *Typing) Close() {
	t.mu.Lock()
	for chatID, cur := range t.outbound {
		cur.stop.Stop()
		delete(t.outbound, chatID)
	}
	for chatID, entries := range t.inbound {
		for _, e := range entries {
			e.expiry.Stop()
		}
		delete(t.inbound, chatID)
	}
	t.mu.Unlock()
}

// ── Inbound ──────────────────────────────────────────────

// HandleTyping records a peer as typing and restarts their expiry. The
// current user's own echo is ignored.
func (t *Typing) HandleTyping(ev TypingEvent) {
	t.mu.Lock()
	if ev.UserID == t.me {
		t.mu.Unlock()
		return
	}
	entries := t.inbound[ev.ChatID]
	if entries == nil {
		entries = make(map[string]*typingEntry)
		t.inbound[ev.ChatID] = entries
	}

	t.gen++
	gen := t.gen
	expiry := t.cfg.clock.AfterFunc(t.cfg.InboundExpiry, func() { t.expire(ev.ChatID, ev.UserID, gen) })

	e, exists := entries[ev.UserID]
	if exists {
		e.expiry.Stop()
		e.gen, e.expiry = gen, expiry
		if ev.UserName != "" {
			e.UserName = ev.UserName
		}
	} else {
		entries[ev.UserID] = &typingEntry{
			Typist: Typist{UserID: ev.UserID, UserName: ev.UserName},
			since:  t.cfg.clock.Now(),
			gen:    gen,
			expiry: expiry,
		}
	}
	t.mu.Unlock()

	if !exists {
		t.changes.emit(ev.ChatID)
	}
}

// HandleStopTyping removes a peer's typing entry.
func (t *Typing) HandleStopTyping(ev StopTypingEvent) {
	if t.remove(ev.ChatID, ev.UserID, 0) {
		t.changes.emit(ev.ChatID)
	}
}

// RemoveUser drops userID from chatID, e.g. when they sent a message or
// left the chat.
func (t *Typing) RemoveUser(chatID, userID string) {
	if t.remove(chatID, userID, 0) {
		t.changes.emit(chatID)
	}
}

func (t *Typing) expire(chatID, userID string, gen uint64) {
	if t.remove(chatID, userID, gen) {
		t.logger.Debug().Str("chat_id", chatID).Str("user_id", userID).Msg("typing entry expired")
		t.changes.emit(chatID)
	}
}

// remove deletes an entry. A non-zero gen only matches the entry created or
// refreshed with that generation.
func (t *Typing) remove(chatID, userID string, gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.inbound[chatID]
	e, ok := entries[userID]
	if !ok || (gen != 0 && e.gen != gen) {
		return false
	}
	e.expiry.Stop()
	delete(entries, userID)
	if len(entries) == 0 {
		delete(t.inbound, chatID)
	}
	return true
}

// Typists lists peers typing in chatID, earliest first.
func (t *Typing) Typists(chatID string) []Typist {
	t.mu.Lock()
	entries := make([]typingEntry, 0, len(t.inbound[chatID]))
	for _, e := range t.inbound[chatID] {
		entries = append(entries, *e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].since.Equal(entries[j].since) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].since.Before(entries[j].since)
	})
	out := make([]Typist, len(entries))
	for i, e := range entries {
		out[i] = e.Typist
	}
	return out
}
