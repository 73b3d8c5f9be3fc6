package atlaschat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNoChatOpen   = errors.New("no chat is open")
	ErrEmptyMessage = errors.New("message content is empty")
)

// ChatAPI is the REST surface the reconciler reads and writes through.
// *ChatsClient implements it.
type ChatAPI interface {
	List(ctx context.Context, page, limit int) (*Page[Chat], error)
	Messages(ctx context.Context, chatID string, page, limit int) (*Page[Message], error)
	Send(ctx context.Context, chatID string, in SendMessageInput) (*Message, error)
	MarkRead(ctx context.Context, chatID string) error
}

type ReconcilerConfig struct {
	// UserID is the current user. It can also be set later with
	// SetCurrentUser, e.g. from the connected event.
	UserID   string
	PageSize int
	// ObservedLimit bounds the observed-ids log and the overflow list.
	ObservedLimit int
	// RequestTimeout applies to background mark-read calls.
	RequestTimeout time.Duration
	Logger         zerolog.Logger

	clock clock
}

func (c *ReconcilerConfig) defaults() {
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.ObservedLimit == 0 {
		c.ObservedLimit = 500
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.clock == nil {
		c.clock = realClock{}
	}
}

// ============================================================================
// Observed ids
// ============================================================================

// observedIDs remembers message ids delivered outside a fetch (live push or
// send acknowledgment) for the open chat. An id leaves the log once a fetch
// confirms it, or when the log grows past its limit; the fetched page itself
// then guards against duplicates.
type observedIDs struct {
	limit int
	order []string
	set   map[string]struct{}
}

func newObservedIDs(limit int) *observedIDs {
	return &observedIDs{limit: limit, set: make(map[string]struct{})}
}

func (o *observedIDs) has(id string) bool {
	_, ok := o.set[id]
	return ok
}

func (o *observedIDs) add(id string) bool {
	if o.has(id) {
		return false
	}
	o.set[id] = struct{}{}
	o.order = append(o.order, id)
	for len(o.order) > o.limit {
		delete(o.set, o.order[0])
		o.order = o.order[1:]
	}
	return true
}

func (o *observedIDs) confirm(ids map[string]struct{}) {
	kept := o.order[:0:0]
	for _, id := range o.order {
		if _, ok := ids[id]; ok {
			delete(o.set, id)
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *observedIDs) reset() {
	o.order = nil
	o.set = make(map[string]struct{})
}

func (o *observedIDs) len() int { return len(o.order) }

// ============================================================================
// Reconciler
// ============================================================================

// Reconciler merges fetched history, live pushes and optimistic sends into
// one ordered, duplicate-free message list per chat, and keeps unread
// counters and read receipts current.
type Reconciler struct {
	api    ChatAPI
	store  *MemoryStore
	cfg    ReconcilerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	me       string
	openChat string
	observed *observedIDs
	// pushed holds every pushed or acknowledged id across all chats, so a
	// repeated push for a chat without a cached page is still recognized.
	pushed *observedIDs
	// overflow holds live messages for the open chat until a fetch
	// includes them. Replaced, never appended in place.
	overflow []Message
	page     int
	hasMore  bool

	wg      sync.WaitGroup
	changes *emitter[string]
	errs    *emitter[error]
}

func NewReconciler(api ChatAPI, store *MemoryStore, cfg ReconcilerConfig) *Reconciler {
	cfg.defaults()
	if store == nil {
		store = NewMemoryStore()
	}
	logger := cfg.Logger.With().Str("component", "reconciler").Logger()
	return &Reconciler{
		api:      api,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		me:       cfg.UserID,
		observed: newObservedIDs(cfg.ObservedLimit),
		pushed:   newObservedIDs(cfg.ObservedLimit),
		changes:  newEmitter[string]("chat change", logger),
		errs:     newEmitter[error]("chat error", logger),
	}
}

func (r *Reconciler) Store() *MemoryStore { return r.store }

func (r *Reconciler) SetCurrentUser(userID string) {
	r.mu.Lock()
	r.me = userID
	r.mu.Unlock()
}

func (r *Reconciler) CurrentUser() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.me
}

// OnChange is called with the id of every chat whose messages or metadata
// changed. An empty id means the chat list as a whole changed.
func (r *Reconciler) OnChange(fn func(chatID string)) (unsubscribe func()) {
	return r.changes.add(fn)
}

// OnError receives failures of background REST calls.
func (r *Reconciler) OnError(fn func(error)) (unsubscribe func()) {
	return r.errs.add(fn)
}

func (r *Reconciler) OpenChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openChat
}

// HasMore reports whether older history exists for the open chat.
func (r *Reconciler) HasMore() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasMore
}

// Wait blocks until background mark-read calls have finished.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// ── Open chat ────────────────────────────────────────────

// Open makes chatID the open chat and loads its newest page. Switching to a
// different chat clears the observed-ids log and the overflow list, and marks
// the chat read once.
func (r *Reconciler) Open(ctx context.Context, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("chat id is required")
	}

	r.mu.Lock()
	opened := r.openChat != chatID
	if opened {
		r.openChat = chatID
		r.observed.reset()
		r.overflow = nil
		r.page = 0
		r.hasMore = true
		r.resetUnreadLocked(chatID)
	}
	r.mu.Unlock()

	if opened {
		r.logger.Debug().Str("chat_id", chatID).Msg("chat opened")
		r.markReadAsync(chatID)
	}

	err := r.fetch(ctx, chatID, 1)
	r.changes.emit(chatID)
	return err
}

// CloseChat leaves the open chat. Live messages for it count as unread again.
func (r *Reconciler) CloseChat() {
	r.mu.Lock()
	chatID := r.openChat
	r.openChat = ""
	r.observed.reset()
	r.overflow = nil
	r.page = 0
	r.hasMore = false
	r.mu.Unlock()

	if chatID != "" {
		r.changes.emit(chatID)
	}
}

// LoadOlder fetches the next page of the open chat's history.
func (r *Reconciler) LoadOlder(ctx context.Context) (hasMore bool, err error) {
	r.mu.Lock()
	chatID, next, more := r.openChat, r.page+1, r.hasMore
	r.mu.Unlock()

	if chatID == "" {
		return false, ErrNoChatOpen
	}
	if !more {
		return false, nil
	}
	if err := r.fetch(ctx, chatID, next); err != nil {
		return more, err
	}
	r.changes.emit(chatID)
	return r.HasMore(), nil
}

// Refresh refetches the newest page of the open chat.
func (r *Reconciler) Refresh(ctx context.Context) error {
	chatID := r.OpenChatID()
	if chatID == "" {
		return ErrNoChatOpen
	}
	err := r.fetch(ctx, chatID, 1)
	r.changes.emit(chatID)
	return err
}

func (r *Reconciler) fetch(ctx context.Context, chatID string, page int) error {
	res, err := r.api.Messages(ctx, chatID, page, r.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("failed to load messages for chat %s: %w", chatID, err)
	}

	fetched := make([]Message, len(res.Items))
	inFetch := make(map[string]struct{}, len(res.Items))
	for i, m := range res.Items {
		m.Status = MessageSent
		fetched[i] = m
		inFetch[m.ID] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cached, ok := r.store.Page(chatID)
	switch {
	case page == 1 || !ok:
		r.store.SetPage(chatID, mergeNewest(cached, fetched, inFetch))
	default:
		have := make(map[string]struct{}, len(cached))
		for _, m := range cached {
			have[m.ID] = struct{}{}
		}
		next := cached
		for _, m := range fetched {
			if _, ok := have[m.ID]; !ok {
				have[m.ID] = struct{}{}
				next = append(next, m)
			}
		}
		r.store.SetPage(chatID, next)
	}

	if chatID == r.openChat {
		if page >= r.page {
			r.page = page
			r.hasMore = res.Pagination.HasNextPage
		}
		r.overflow = slices.DeleteFunc(slices.Clone(r.overflow), func(m Message) bool {
			_, ok := inFetch[m.ID]
			return ok
		})
		r.observed.confirm(inFetch)
	}
	return nil
}

// mergeNewest lays a fresh first page over the cached history. Cached
// messages the fetch does not contain survive when they are pending sends or
// newer than the fetch (live pushes), or older than it (loaded pages).
func mergeNewest(cached, fetched []Message, inFetch map[string]struct{}) []Message {
	var newest, oldest time.Time
	if len(fetched) > 0 {
		newest = fetched[0].CreatedAt
		oldest = fetched[len(fetched)-1].CreatedAt
	}

	var head, tail []Message
	for _, m := range cached {
		if _, ok := inFetch[m.ID]; ok {
			continue
		}
		switch {
		case m.Status == MessagePending || m.CreatedAt.After(newest):
			head = append(head, m)
		case m.CreatedAt.Before(oldest):
			tail = append(tail, m)
		}
	}

	out := make([]Message, 0, len(head)+len(fetched)+len(tail))
	out = append(out, head...)
	out = append(out, fetched...)
	return append(out, tail...)
}

// Messages returns chatID's display list: fetched history reversed to oldest
// first, merged with outstanding live messages, each id once.
func (r *Reconciler) Messages(chatID string) []Message {
	r.mu.Lock()
	page, _ := r.store.Page(chatID)
	var overflow []Message
	if chatID == r.openChat {
		overflow = r.overflow
	}
	r.mu.Unlock()

	return displayList(page, overflow)
}

func displayList(newestFirst, overflow []Message) []Message {
	out := make([]Message, 0, len(newestFirst)+len(overflow))
	seen := make(map[string]struct{}, cap(out))
	add := func(m Message) {
		if _, ok := seen[m.ID]; ok {
			return
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		add(newestFirst[i])
	}
	for _, m := range overflow {
		add(m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ── Live events ──────────────────────────────────────────

// seenLocked reports whether a message id already reached chatID through any
// path. The page check also catches the sender's own echo for a send made
// while another chat was open.
func (r *Reconciler) seenLocked(chatID, id string, open bool) bool {
	if r.pushed.has(id) {
		return true
	}
	if open && (r.observed.has(id) || indexOf(r.overflow, id) >= 0) {
		return true
	}
	return r.store.HasMessage(chatID, id)
}

// HandleMessage applies a chat:message push.
func (r *Reconciler) HandleMessage(ev MessageEvent) {
	m := ev.Message
	m.Status = MessageSent
	chatID := m.ChatID

	r.mu.Lock()
	open := chatID == r.openChat
	own := r.me != "" && m.SenderID == r.me
	if r.seenLocked(chatID, m.ID, open) {
		r.mu.Unlock()
		r.logger.Debug().Str("chat_id", chatID).Str("message_id", m.ID).Msg("duplicate message dropped")
		return
	}

	r.pushed.add(m.ID)
	if open {
		r.observed.add(m.ID)
		overflow := append(slices.Clip(r.overflow), m)
		if len(overflow) > r.cfg.ObservedLimit {
			overflow = overflow[len(overflow)-r.cfg.ObservedLimit:]
		}
		r.overflow = overflow
	}
	r.store.UpdatePage(chatID, func(msgs []Message) []Message {
		return append([]Message{m}, msgs...)
	})

	known := r.store.UpdateChat(chatID, func(c Chat) Chat {
		if c.LastMessage == nil || !m.CreatedAt.Before(c.LastMessage.CreatedAt) {
			last := m
			c.LastMessage = &last
		}
		if m.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = m.CreatedAt
		}
		if !open && !own {
			c.UnreadCount++
		}
		return c
	})
	r.mu.Unlock()

	if !known {
		r.logger.Debug().Str("chat_id", chatID).Msg("message for uncached chat")
	}
	if open && !own {
		r.markReadAsync(chatID)
	}
	r.changes.emit(chatID)
}

// HandleRead applies a chat:read push. Another user's read adds them to the
// read receipts of the current user's messages; the current user's own read
// clears the unread counter.
func (r *Reconciler) HandleRead(ev ReadEvent) {
	r.mu.Lock()
	me := r.me
	if me == "" {
		r.mu.Unlock()
		r.logger.Debug().Str("chat_id", ev.ChatID).Msg("read event ignored: current user unknown")
		return
	}
	if ev.UserID == me {
		r.resetUnreadLocked(ev.ChatID)
		r.mu.Unlock()
		r.changes.emit(ev.ChatID)
		return
	}

	changed := false
	addReader := func(msgs []Message) []Message {
		for i, m := range msgs {
			if m.SenderID != me {
				continue
			}
			if next, ok := m.withReader(ev.UserID); ok {
				msgs[i] = next
				changed = true
			}
		}
		return msgs
	}

	r.store.UpdatePage(ev.ChatID, addReader)
	if ev.ChatID == r.openChat && len(r.overflow) > 0 {
		r.overflow = addReader(slices.Clone(r.overflow))
	}
	r.store.UpdateChat(ev.ChatID, func(c Chat) Chat {
		if c.LastMessage != nil && c.LastMessage.SenderID == me {
			if next, ok := c.LastMessage.withReader(ev.UserID); ok {
				c.LastMessage = &next
				changed = true
			}
		}
		return c
	})
	r.mu.Unlock()

	if changed {
		r.changes.emit(ev.ChatID)
	}
}

func (r *Reconciler) HandleParticipantAdded(ev ParticipantAddedEvent) {
	ok := r.store.UpdateChat(ev.ChatID, func(c Chat) Chat {
		if !c.HasParticipant(ev.Participant.UserID) {
			c.Participants = append(c.Participants, ev.Participant)
		}
		return c
	})
	if ok {
		r.changes.emit(ev.ChatID)
	}
}

func (r *Reconciler) HandleParticipantLeft(ev ParticipantLeftEvent) {
	ok := r.store.UpdateChat(ev.ChatID, func(c Chat) Chat {
		c.Participants = slices.DeleteFunc(c.Participants, func(p Participant) bool {
			return p.UserID == ev.UserID
		})
		return c
	})
	if ok {
		r.changes.emit(ev.ChatID)
	}
}

// ── Outbound ─────────────────────────────────────────────

// Send posts a message. A pending copy with a temporary id is shown until the
// server acknowledges; the acknowledged message then takes its place, or the
// pending copy is dropped if the push already delivered it.
func (r *Reconciler) Send(ctx context.Context, chatID string, in SendMessageInput) (*Message, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, ErrEmptyMessage
	}

	r.mu.Lock()
	pending := Message{
		ID:             "tmp-" + uuid.NewString(),
		ChatID:         chatID,
		SenderID:       r.me,
		Content:        in.Content,
		MentionedUsers: slices.Clone(in.MentionedUsers),
		CreatedAt:      r.cfg.clock.Now(),
		Status:         MessagePending,
	}
	if !r.store.UpdatePage(chatID, func(msgs []Message) []Message {
		return append([]Message{pending}, msgs...)
	}) {
		r.store.SetPage(chatID, []Message{pending})
	}
	r.mu.Unlock()
	r.changes.emit(chatID)

	sent, err := r.api.Send(ctx, chatID, in)

	r.mu.Lock()
	if err != nil {
		r.store.UpdatePage(chatID, func(msgs []Message) []Message {
			return slices.DeleteFunc(msgs, func(m Message) bool { return m.ID == pending.ID })
		})
		r.mu.Unlock()
		r.changes.emit(chatID)
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	msg := *sent
	msg.Status = MessageSent
	if msg.ChatID == "" {
		msg.ChatID = chatID
	}
	r.store.UpdatePage(chatID, func(msgs []Message) []Message {
		i := indexOf(msgs, pending.ID)
		switch {
		case indexOf(msgs, msg.ID) >= 0:
			if i >= 0 {
				msgs = slices.Delete(msgs, i, i+1)
			}
		case i >= 0:
			msgs[i] = msg
		default:
			msgs = append([]Message{msg}, msgs...)
		}
		return msgs
	})
	r.pushed.add(msg.ID)
	if chatID == r.openChat {
		r.observed.add(msg.ID)
	}
	r.store.UpdateChat(chatID, func(c Chat) Chat {
		last := msg
		c.LastMessage = &last
		if msg.CreatedAt.After(c.UpdatedAt) {
			c.UpdatedAt = msg.CreatedAt
		}
		return c
	})
	r.mu.Unlock()

	r.changes.emit(chatID)
	return &msg, nil
}

// MarkRead clears the chat's unread counter and tells the server.
func (r *Reconciler) MarkRead(ctx context.Context, chatID string) error {
	r.mu.Lock()
	r.resetUnreadLocked(chatID)
	r.mu.Unlock()
	r.changes.emit(chatID)

	if err := r.api.MarkRead(ctx, chatID); err != nil {
		return fmt.Errorf("failed to mark chat %s read: %w", chatID, err)
	}
	return nil
}

func (r *Reconciler) markReadAsync(chatID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
		defer cancel()
		if err := r.MarkRead(ctx, chatID); err != nil {
			r.logger.Warn().Err(err).Str("chat_id", chatID).Msg("mark read failed")
			r.errs.emit(err)
		}
	}()
}

func (r *Reconciler) resetUnreadLocked(chatID string) {
	r.store.UpdateChat(chatID, func(c Chat) Chat {
		c.UnreadCount = 0
		return c
	})
}

// ── Chat list ────────────────────────────────────────────

// LoadChats fetches one page of the chat list into the store.
func (r *Reconciler) LoadChats(ctx context.Context, page, limit int) (*Pagination, error) {
	res, err := r.api.List(ctx, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load chats: %w", err)
	}

	r.mu.Lock()
	chats := make([]Chat, len(res.Items))
	for i, c := range res.Items {
		if c.ID == r.openChat {
			c.UnreadCount = 0
		}
		chats[i] = c
	}
	r.store.PutChats(chats)
	r.mu.Unlock()

	r.changes.emit("")
	return &res.Pagination, nil
}

func (r *Reconciler) Chats() []Chat { return r.store.Chats() }

func (r *Reconciler) Chat(chatID string) (Chat, bool) { return r.store.Chat(chatID) }

// TotalUnread sums unread counters across cached chats.
func (r *Reconciler) TotalUnread() int {
	total := 0
	for _, c := range r.store.Chats() {
		total += c.UnreadCount
	}
	return total
}
