package relay

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a relay Server.
type Config struct {
	Addr string

	RedisAddr string
	RedisPass string
	RedisDB   int

	// Tokens maps socket tokens to user ids for the static authenticator.
	Tokens map[string]string
	// InternalKey guards the /internal routes. Empty disables the check.
	InternalKey string

	// PresenceTTL is how long a user stays online without a heartbeat.
	PresenceTTL time.Duration
	// SweepInterval is how often stale peers are closed.
	SweepInterval time.Duration
	// PingInterval is the protocol-level ping period; the read deadline is
	// derived from it.
	PingInterval time.Duration
	// SendBuffer is the per-peer outbound queue length. A peer whose queue
	// is full is disconnected.
	SendBuffer int

	Logger zerolog.Logger
}

func (c *Config) defaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.PresenceTTL == 0 {
		c.PresenceTTL = 5 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 50 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 256
	}
}

// LoadConfig reads the relay configuration from the environment:
//
//	ATLAS_RELAY_ADDR          listen address, default :8080
//	ATLAS_REDIS_ADDR          e.g. localhost:6379; empty keeps presence in memory
//	ATLAS_REDIS_PASS          may be empty
//	ATLAS_REDIS_DB            integer, default 0
//	ATLAS_RELAY_TOKENS        token:userId pairs separated by commas
//	ATLAS_RELAY_INTERNAL_KEY  shared secret for /internal routes
func LoadConfig() (Config, error) {
	cfg := Config{
		Addr:        os.Getenv("ATLAS_RELAY_ADDR"),
		RedisAddr:   os.Getenv("ATLAS_REDIS_ADDR"),
		RedisPass:   os.Getenv("ATLAS_REDIS_PASS"),
		InternalKey: os.Getenv("ATLAS_RELAY_INTERNAL_KEY"),
	}
	if v := os.Getenv("ATLAS_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid ATLAS_REDIS_DB %q: %w", v, err)
		}
		cfg.RedisDB = db
	}
	tokens, err := ParseTokens(os.Getenv("ATLAS_RELAY_TOKENS"))
	if err != nil {
		return cfg, err
	}
	cfg.Tokens = tokens
	return cfg, nil
}

// ParseTokens parses "tok1:u1,tok2:u2".
func ParseTokens(s string) (map[string]string, error) {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("invalid token entry %q: want token:userId", pair)
		}
		tokens[token] = userID
	}
	return tokens, nil
}

// ============================================================================
// Redis
// ============================================================================

// NewRedisClient builds a client for cfg's Redis settings.
func NewRedisClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPass,
		DB:           cfg.RedisDB,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		DialTimeout:  2 * time.Second,
	})
}

// PingRedis checks the connection at startup.
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Ping(ctx).Err()
}
