package atlaschat

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestPresenceCache(t *testing.T) {
	t.Run("unknown until an event mentions the user", func(t *testing.T) {
		p := NewPresenceCache()
		if got := p.Presence("u1"); got != PresenceUnknown {
			t.Errorf("Presence = %s, want unknown", got)
		}
		if p.IsOnline("u1") {
			t.Error("unknown user reported online")
		}
	})

	t.Run("online is idempotent", func(t *testing.T) {
		p := NewPresenceCache()
		if !p.SetOnline("u1") {
			t.Fatal("first SetOnline reported no change")
		}
		if p.SetOnline("u1") {
			t.Error("repeated SetOnline reported a change")
		}
		if p.Len() != 1 {
			t.Errorf("Len = %d, want 1", p.Len())
		}
	})

	t.Run("offline is idempotent", func(t *testing.T) {
		p := NewPresenceCache()
		p.SetOnline("u1")
		p.SetOnline("u2")
		p.SetOffline("u1")
		if p.SetOffline("u1") {
			t.Error("repeated SetOffline reported a change")
		}
		if p.Len() != 1 {
			t.Errorf("Len = %d, want 1", p.Len())
		}
		if got := p.Presence("u1"); got != PresenceOffline {
			t.Errorf("Presence = %s, want offline", got)
		}
	})

	t.Run("online ids are sorted", func(t *testing.T) {
		p := NewPresenceCache()
		for _, id := range []string{"u3", "u1", "u2"} {
			p.SetOnline(id)
		}
		p.SetOffline("u2")
		got := p.Online()
		if len(got) != 2 || got[0] != "u1" || got[1] != "u3" {
			t.Errorf("Online = %v", got)
		}
	})

	t.Run("reset forgets everything", func(t *testing.T) {
		p := NewPresenceCache()
		p.SetOnline("u1")
		p.SetOffline("u2")
		p.Reset()
		if p.Presence("u1") != PresenceUnknown || p.Presence("u2") != PresenceUnknown {
			t.Error("Reset kept state")
		}
	})

	t.Run("snapshots are not changed by later writes", func(t *testing.T) {
		p := NewPresenceCache()
		p.SetOnline("u1")
		before := p.load()
		p.SetOnline("u2")
		if len(before) != 1 {
			t.Errorf("published snapshot mutated: %v", before)
		}
	})
}

func TestPresenceFromRouter(t *testing.T) {
	p := NewPresenceCache()
	r := NewRouter(p, zerolog.Nop())

	for i := 0; i < 3; i++ {
		r.Dispatch(frame(t, TypeUserOnline, UserOnlineEvent{UserID: "u7"}))
	}
	if p.Len() != 1 {
		t.Fatalf("Len = %d after repeated online, want 1", p.Len())
	}
	for i := 0; i < 2; i++ {
		r.Dispatch(frame(t, TypeUserOffline, UserOfflineEvent{UserID: "u7"}))
	}
	if p.Len() != 0 || p.Presence("u7") != PresenceOffline {
		t.Errorf("after offline: len %d, state %s", p.Len(), p.Presence("u7"))
	}
}
