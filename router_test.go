package atlaschat

import (
	"testing"

	"github.com/rs/zerolog"
)

func frame(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	data, err := EncodeEnvelope(eventType, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestRouterDeliveryOrder(t *testing.T) {
	presence := NewPresenceCache()
	r := NewRouter(presence, zerolog.Nop())

	var order []string
	r.Subscribe(Wildcard, func(Event) { order = append(order, "wildcard-1") })
	r.Subscribe(TypeUserOnline, func(Event) {
		if !presence.IsOnline("u2") {
			t.Error("typed handler ran before the presence cache was updated")
		}
		order = append(order, "typed-1")
	})
	r.Subscribe(TypeUserOnline, func(Event) { order = append(order, "typed-2") })
	r.Subscribe(Wildcard, func(Event) { order = append(order, "wildcard-2") })
	r.Subscribe(TypeUserOffline, func(Event) { order = append(order, "other") })

	r.Dispatch(frame(t, TypeUserOnline, UserOnlineEvent{UserID: "u2"}))

	want := []string{"typed-1", "typed-2", "wildcard-1", "wildcard-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRouterHandlerPanicIsolated(t *testing.T) {
	r := NewRouter(nil, zerolog.Nop())

	ran := 0
	r.Subscribe(TypeChatRead, func(Event) { panic("boom") })
	r.Subscribe(TypeChatRead, func(Event) { ran++ })
	r.Subscribe(Wildcard, func(Event) { ran++ })

	r.Dispatch(frame(t, TypeChatRead, ReadEvent{ChatID: "c1", UserID: "u2"}))
	if ran != 2 {
		t.Errorf("handlers after the panicking one ran %d times, want 2", ran)
	}
}

func TestRouterUnsubscribe(t *testing.T) {
	r := NewRouter(nil, zerolog.Nop())

	calls := 0
	unsubscribe := r.Subscribe(TypeHeartbeat, func(Event) { calls++ })
	r.Dispatch(frame(t, TypeHeartbeat, nil))
	unsubscribe()
	unsubscribe()
	r.Dispatch(frame(t, TypeHeartbeat, nil))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if n := r.HandlerCount(TypeHeartbeat); n != 0 {
		t.Errorf("HandlerCount = %d, want 0", n)
	}
}

func TestRouterDropsBadFrames(t *testing.T) {
	presence := NewPresenceCache()
	r := NewRouter(presence, zerolog.Nop())

	calls := 0
	r.Subscribe(Wildcard, func(Event) { calls++ })

	for name, data := range map[string]string{
		"not json":        "{oops",
		"missing type":    `{"payload":{}}`,
		"missing user id": `{"type":"user:online","payload":{"timestamp":"2026-03-01T12:00:00Z"}}`,
		"bad message":     `{"type":"chat:message","payload":{"message":{"id":"m1"}}}`,
		"wrong shape":     `{"type":"chat:typing","payload":[1,2]}`,
	} {
		t.Run(name, func(t *testing.T) {
			r.Dispatch([]byte(data))
		})
	}

	if calls != 0 {
		t.Errorf("bad frames reached %d handlers", calls)
	}
	if presence.Len() != 0 {
		t.Errorf("bad frame changed presence")
	}
}

func TestRouterUnknownTypeReachesWildcardOnly(t *testing.T) {
	r := NewRouter(nil, zerolog.Nop())

	var got Event
	r.Subscribe(Wildcard, func(e Event) { got = e })

	r.Dispatch([]byte(`{"type":"booking:updated","payload":{"id":"b1"}}`))

	u, ok := got.(UnknownEvent)
	if !ok {
		t.Fatalf("got %T, want UnknownEvent", got)
	}
	if u.Type != "booking:updated" || string(u.Payload) != `{"id":"b1"}` {
		t.Errorf("unexpected event %+v", u)
	}
}

func TestOnTypedHandler(t *testing.T) {
	r := NewRouter(nil, zerolog.Nop())

	var got MessageEvent
	unsubscribe := On(r, func(e MessageEvent) { got = e })
	defer unsubscribe()

	r.Dispatch(frame(t, TypeChatMessage, MessageEvent{Message: Message{
		ID: "m1", ChatID: "c1", SenderID: "u2", Content: "gamarjoba",
	}}))

	if got.Message.ID != "m1" || got.Message.Content != "gamarjoba" {
		t.Errorf("got %+v", got)
	}
	if r.HandlerCount(TypeChatMessage) != 1 {
		t.Errorf("On registered under the wrong type")
	}
}
