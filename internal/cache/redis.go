// Package cache holds the optional Redis layer: a broadcast roster cache in
// front of the store and a mirror of unread counters.
package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "campuschat:"

// DefaultRosterTTL bounds how stale a cached roster may be.
const DefaultRosterTTL = 30 * time.Second

// Config selects the Redis server. An empty Addr disables the cache.
type Config struct {
	Addr      string        `json:"addr"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	RosterTTL time.Duration `json:"roster_ttl"`
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool {
	return c.Addr != ""
}

// Connect creates a client and verifies the server answers.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.Addr)
	}
	return client, nil
}
