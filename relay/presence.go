package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore records which users are online. Entries expire after the
// store's TTL unless touched again.
type PresenceStore interface {
	Touch(ctx context.Context, userID string) error
	Remove(ctx context.Context, userID string) error
	// Online returns the subset of userIDs that are online, in input order.
	Online(ctx context.Context, userIDs []string) ([]string, error)
}

// ============================================================================
// Redis
// ============================================================================

// RedisPresence keeps one key per online user with a TTL.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client, prefix string, ttl time.Duration) *RedisPresence {
	if prefix == "" {
		prefix = "atlas:presence:"
	}
	return &RedisPresence{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPresence) key(userID string) string { return p.prefix + userID }

func (p *RedisPresence) Touch(ctx context.Context, userID string) error {
	if err := p.client.Set(ctx, p.key(userID), time.Now().Unix(), p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to touch presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, userID string) error {
	if err := p.client.Del(ctx, p.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence for %s: %w", userID, err)
	}
	return nil
}

func (p *RedisPresence) Online(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	pipe := p.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.Exists(ctx, p.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	var online []string
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// ============================================================================
// Memory
// ============================================================================

// MemoryPresence is a process-local PresenceStore.
type MemoryPresence struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	return &MemoryPresence{ttl: ttl, now: time.Now, expires: make(map[string]time.Time)}
}

func (p *MemoryPresence) Touch(_ context.Context, userID string) error {
	p.mu.Lock()
	p.expires[userID] = p.now().Add(p.ttl)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, userID string) error {
	p.mu.Lock()
	delete(p.expires, userID)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPresence) Online(_ context.Context, userIDs []string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var online []string
	for _, id := range userIDs {
		exp, ok := p.expires[id]
		if !ok {
			continue
		}
		if !now.Before(exp) {
			delete(p.expires, id)
			continue
		}
		online = append(online, id)
	}
	return online, nil
}
