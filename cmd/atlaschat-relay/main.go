package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/blessandsoul/atlascaucasus-chat/relay"
)

var (
	addr        string
	redisAddr   string
	redisPass   string
	redisDB     int
	tokens      string
	internalKey string
	presenceTTL time.Duration
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "atlaschat-relay",
	Short: "Realtime relay for AtlasCaucasus chats",
	Long: `Accepts client sockets, tracks presence and relays typing between chat
members. The REST backend publishes chat events through /internal/events.

Flags override the ATLAS_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := relay.LoadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("addr") || cfg.Addr == "" {
			cfg.Addr = addr
		}
		if flags.Changed("redis-addr") {
			cfg.RedisAddr = redisAddr
		}
		if flags.Changed("redis-pass") {
			cfg.RedisPass = redisPass
		}
		if flags.Changed("redis-db") {
			cfg.RedisDB = redisDB
		}
		if flags.Changed("tokens") {
			if cfg.Tokens, err = relay.ParseTokens(tokens); err != nil {
				return err
			}
		}
		if flags.Changed("internal-key") {
			cfg.InternalKey = internalKey
		}
		cfg.PresenceTTL = presenceTTL

		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
		cfg.Logger = logger

		if cfg.InternalKey == "" {
			logger.Warn().Msg("no internal key set, /internal routes are unauthenticated")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var presence relay.PresenceStore
		if cfg.RedisAddr != "" {
			client := relay.NewRedisClient(cfg)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := relay.PingRedis(pingCtx, client)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("redis_addr", cfg.RedisAddr).Msg("redis not ready, keeping presence in memory")
				_ = client.Close()
			} else {
				defer client.Close()
				presence = relay.NewRedisPresence(client, "", cfg.PresenceTTL)
				logger.Info().Str("redis_addr", cfg.RedisAddr).Msg("presence stored in redis")
			}
		}

		srv := relay.NewServer(cfg, nil, presence)
		logger.Debug().Int("tokens", len(cfg.Tokens)).Dur("presence_ttl", cfg.PresenceTTL).Msg("config loaded")
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("relay failed: %w", err)
		}
		return nil
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "Listen address (ATLAS_RELAY_ADDR)")
	f.StringVar(&redisAddr, "redis-addr", "", "Redis address for shared presence (ATLAS_REDIS_ADDR)")
	f.StringVar(&redisPass, "redis-pass", "", "Redis password (ATLAS_REDIS_PASS)")
	f.IntVar(&redisDB, "redis-db", 0, "Redis database (ATLAS_REDIS_DB)")
	f.StringVar(&tokens, "tokens", "", "Static socket tokens as token:userId pairs (ATLAS_RELAY_TOKENS)")
	f.StringVar(&internalKey, "internal-key", "", "Shared secret for /internal routes (ATLAS_RELAY_INTERNAL_KEY)")
	f.DurationVar(&presenceTTL, "presence-ttl", 5*time.Minute, "How long a user stays online without a heartbeat")
	f.BoolVar(&debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
