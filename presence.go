package atlaschat

import (
	"sort"
	"sync"
	"sync/atomic"
)

// PresenceState is what the cache knows about one user.
type PresenceState int

const (
	PresenceUnknown PresenceState = iota
	PresenceOnline
	PresenceOffline
)

func (s PresenceState) String() string {
	switch s {
	case PresenceOnline:
		return "online"
	case PresenceOffline:
		return "offline"
	}
	return "unknown"
}

// PresenceCache is the session-wide view of who is online, fed by
// user:online and user:offline events. Readers get a consistent snapshot
// without subscribing to anything.
type PresenceCache struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[map[string]bool]
}

func NewPresenceCache() *PresenceCache {
	p := &PresenceCache{}
	p.Reset()
	return p
}

func (p *PresenceCache) load() map[string]bool {
	return *p.snap.Load()
}

// set records a state and reports whether anything changed. The published
// map is never mutated after it is stored.
func (p *PresenceCache) set(userID string, online bool) bool {
	if userID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.load()
	if known, ok := cur[userID]; ok && known == online {
		return false
	}
	next := make(map[string]bool, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[userID] = online
	p.snap.Store(&next)
	return true
}

// SetOnline marks userID online. Repeating it is a no-op.
func (p *PresenceCache) SetOnline(userID string) bool { return p.set(userID, true) }

// SetOffline marks userID offline. Repeating it is a no-op.
func (p *PresenceCache) SetOffline(userID string) bool { return p.set(userID, false) }

// Presence returns PresenceUnknown for users no event has mentioned.
func (p *PresenceCache) Presence(userID string) PresenceState {
	online, ok := p.load()[userID]
	switch {
	case !ok:
		return PresenceUnknown
	case online:
		return PresenceOnline
	}
	return PresenceOffline
}

func (p *PresenceCache) IsOnline(userID string) bool {
	return p.load()[userID]
}

// Online returns the online user ids, sorted.
func (p *PresenceCache) Online() []string {
	var ids []string
	for id, online := range p.load() {
		if online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of users currently online.
func (p *PresenceCache) Len() int {
	n := 0
	for _, online := range p.load() {
		if online {
			n++
		}
	}
	return n
}

// Reset forgets everything; every user becomes unknown again.
func (p *PresenceCache) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	empty := map[string]bool{}
	p.snap.Store(&empty)
}
