package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Key layout. Everything lives under one prefix so several deployments can
// share a server.
const (
	keyPrefix    = "marketpulse:"
	KeyTokens    = keyPrefix + "upstox_tokens"
	KeyState     = keyPrefix + "oauth_state"
	KeyLatest    = keyPrefix + "prices:latest" // hash symbol -> tick JSON
	KeyLive      = keyPrefix + "prices:live"   // "1" while on real data
	channelTicks = keyPrefix + "pub:tick:"     // + symbol

	stateTTL = 10 * time.Minute
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Dial connects and pings the server.
func Dial(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return client, nil
}

// TickChannel is the pubsub channel carrying updates for symbol.
func TickChannel(symbol string) string {
	return channelTicks + symbol
}
