package relay

import (
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	atlaschat "github.com/blessandsoul/atlascaucasus-chat"
)

// TestClientConnection drives the SDK's connection against the relay.
func TestClientConnection(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	presence := atlaschat.NewPresenceCache()
	router := atlaschat.NewRouter(presence, zerolog.Nop())
	conn := atlaschat.NewConnection(atlaschat.ConnectionConfig{
		BaseURL: srv.URL,
		Token:   "t1",
		Logger:  zerolog.Nop(),
	}, router)

	connected := make(chan atlaschat.ConnectedEvent, 1)
	atlaschat.On(router, func(e atlaschat.ConnectedEvent) { connected <- e })
	messages := make(chan atlaschat.MessageEvent, 1)
	atlaschat.On(router, func(e atlaschat.MessageEvent) { messages <- e })

	conn.Connect()
	defer conn.Disconnect()

	select {
	case e := <-connected:
		if e.UserID != "u1" {
			t.Errorf("connected as %q", e.UserID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}

	connect(t, srv, "t2")
	waitFor(t, "u2 online", func() bool { return presence.IsOnline("u2") })

	code, _ := internalRequest(t, srv, http.MethodPost, "/internal/events", map[string]any{
		"userIds": []string{"u1"},
		"type":    atlaschat.TypeChatMessage,
		"payload": atlaschat.MessageEvent{Message: atlaschat.Message{
			ID: "m1", ChatID: "c1", SenderID: "u2", Content: "Kakheti wine tour confirmed", CreatedAt: time.Now().UTC(),
		}},
	})
	if code != http.StatusOK {
		t.Fatalf("publish status = %d", code)
	}
	select {
	case e := <-messages:
		if e.Message.ID != "m1" {
			t.Errorf("message = %+v", e.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message event")
	}

	if !conn.Send(atlaschat.TypeHeartbeat, atlaschat.HeartbeatEvent{}) {
		t.Error("heartbeat not sent")
	}

	conn.Disconnect()
	waitFor(t, "u1 offline", func() bool {
		online := s.Hub().Online()
		return len(online) == 1 && online[0] == "u2"
	})
}
