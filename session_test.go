package atlaschat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// chatServer serves the REST endpoints and the socket a Session talks to.
type chatServer struct {
	*httptest.Server
	push   chan struct{}
	frames chan string
	closed chan websocket.StatusCode
	marks  atomic.Int32
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{
		push:   make(chan struct{}),
		frames: make(chan string, 16),
		closed: make(chan websocket.StatusCode, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 200, true, "", Page[Chat]{
			Items: []Chat{{ID: "c1", Type: ChatDirect, UnreadCount: 1,
				Participants: []Participant{{UserID: "u1"}, {UserID: "u2"}}}},
			Pagination: Pagination{Page: 1, Limit: 20, TotalItems: 1, TotalPages: 1},
		})
	})
	mux.HandleFunc("/api/v1/chats/c1/messages", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, 200, true, "", Page[Message]{
			Items:      []Message{msgAt("m1", "c1", "u2", 1)},
			Pagination: Pagination{Page: 1, Limit: 50, TotalItems: 1, TotalPages: 1},
		})
	})
	mux.HandleFunc("/api/v1/chats/c1/read", func(w http.ResponseWriter, r *http.Request) {
		cs.marks.Add(1)
		writeResult(w, 200, true, "", struct{}{})
	})
	mux.HandleFunc("/ws", cs.serveSocket)

	cs.Server = httptest.NewServer(mux)
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != "tok-1" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

	write := func(eventType string, payload any) {
		data, _ := EncodeEnvelope(eventType, payload)
		c.Write(ctx, websocket.MessageText, data)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				cs.closed <- websocket.CloseStatus(err)
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				cs.frames <- env.Type
			}
		}
	}()

	write(TypeConnected, ConnectedEvent{ConnectionID: "cx1", UserID: "u1"})
	write(TypeUserOnline, UserOnlineEvent{UserID: "u2", Timestamp: testEpoch})

	select {
	case <-cs.push:
	case <-done:
		return
	}
	write(TypeChatTyping, TypingEvent{ChatID: "c1", UserID: "u2", UserName: "Giorgi"})
	write(TypeChatMessage, MessageEvent{Message: msgAt("m2", "c1", "u2", 2)})

	<-done
}

func TestSession(t *testing.T) {
	srv := newChatServer(t)
	client := NewClient("tok-1", WithBaseURL(srv.URL))

	s := NewSession(client, SessionConfig{UserName: "Nino", Logger: zerolog.Nop()})
	s.Start()
	s.Start()

	waitFor(t, "connected", func() bool { return s.Connection().Status() == StatusConnected })
	waitFor(t, "current user", func() bool { return s.Chats().CurrentUser() == "u1" })
	waitFor(t, "presence", func() bool { return s.Presence().IsOnline("u2") })

	ctx := context.Background()
	if _, err := s.Chats().LoadChats(ctx, 1, 20); err != nil {
		t.Fatal(err)
	}
	if err := s.Chats().Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	s.Chats().Wait()
	if n := srv.marks.Load(); n != 1 {
		t.Errorf("mark read calls = %d, want 1", n)
	}

	var typed atomic.Int32
	s.Typing().OnChange(func(string) { typed.Add(1) })

	close(srv.push)
	waitFor(t, "live message", func() bool { return len(s.Chats().Messages("c1")) == 2 })

	waitFor(t, "typing start and stop", func() bool { return typed.Load() == 2 })
	if got := s.Typing().Typists("c1"); len(got) != 0 {
		t.Errorf("sender still typing after their message: %v", got)
	}
	if c, _ := s.Chats().Chat("c1"); c.UnreadCount != 0 || c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Errorf("chat = %+v", c)
	}

	s.Typing().Keystroke("c1")
	if got := recv(t, srv.frames, "typing frame"); got != TypeChatTyping {
		t.Errorf("frame = %s, want %s", got, TypeChatTyping)
	}

	s.Shutdown()
	if code := recv(t, srv.closed, "close"); code != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal closure", code)
	}
	if s.Connection().Status() != StatusDisconnected {
		t.Errorf("status = %s after shutdown", s.Connection().Status())
	}
	if s.Presence().Len() != 0 {
		t.Error("presence kept after shutdown")
	}
}

func TestSessionRejectedToken(t *testing.T) {
	srv := newChatServer(t)
	client := NewClient("wrong", WithBaseURL(srv.URL))

	s := NewSession(client, SessionConfig{
		UserID:     "u1",
		Logger:     zerolog.Nop(),
		Connection: ConnectionConfig{MaxReconnectAttempts: 1},
	})
	var sawError atomic.Bool
	s.Connection().OnStatusChange(func(st Status) {
		if st == StatusError {
			sawError.Store(true)
		}
	})
	s.Start()
	defer s.Shutdown()

	waitFor(t, "error status", sawError.Load)
	if s.Presence().Len() != 0 {
		t.Error("presence changed without a connection")
	}
}

func TestSessionComponentLogger(t *testing.T) {
	var sessionLog, chatLog bytes.Buffer
	s := NewSession(NewClient("t1", WithBaseURL("http://127.0.0.1:1")), SessionConfig{
		UserID:     "u1",
		Logger:     zerolog.New(&sessionLog),
		Reconciler: ReconcilerConfig{Logger: zerolog.New(&chatLog)},
	})

	m := Message{ID: "m1", ChatID: "c1", SenderID: "u2"}
	s.Chats().HandleMessage(MessageEvent{Message: m})
	s.Chats().HandleMessage(MessageEvent{Message: m})

	if !strings.Contains(chatLog.String(), "duplicate message dropped") {
		t.Fatalf("reconciler logger not used: %q", chatLog.String())
	}
	if strings.Contains(sessionLog.String(), "duplicate message dropped") {
		t.Fatalf("reconciler logged to the session logger: %q", sessionLog.String())
	}
}
