package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-gateway-go/storage"
	"github.com/ggoodman/mcp-gateway-go/storage/memory"
	redisstore "github.com/ggoodman/mcp-gateway-go/storage/redis"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// keyStoreConfig selects where fetched key sets are cached. A Redis address
// shares one copy across authorizer replicas.
type keyStoreConfig struct {
	RedisAddr     string        `env:"MCP_JWKS_REDIS_ADDR"`
	RedisPassword string        `env:"MCP_JWKS_REDIS_PASSWORD"`
	RedisDB       int           `env:"MCP_JWKS_REDIS_DB,default=0"`
	KeyPrefix     string        `env:"MCP_JWKS_REDIS_PREFIX,default=mcp:jwks:"`
	CacheSize     int           `env:"MCP_JWKS_CACHE_SIZE,default=128"`
	CacheTTL      time.Duration `env:"MCP_JWKS_CACHE_TTL,default=1h"`
	// RefreshInterval spaces re-fetches forced by unknown key ids.
	RefreshInterval time.Duration `env:"MCP_JWKS_REFRESH_INTERVAL,default=5m"`
}

func loadKeyStoreConfig() (keyStoreConfig, error) {
	var c keyStoreConfig
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return keyStoreConfig{}, fmt.Errorf("decode key store config: %w", err)
	}
	return c, nil
}

func (c keyStoreConfig) open(ctx context.Context, log *slog.Logger) (storage.Store, error) {
	if c.RedisAddr == "" {
		log.DebugContext(ctx, "jwks.store.memory", slog.Int("size", c.CacheSize))
		return memory.New(c.CacheSize)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", c.RedisAddr, err)
	}
	log.InfoContext(ctx, "jwks.store.redis", slog.String("addr", c.RedisAddr))
	return redisstore.New(redisstore.Config{Client: client, KeyPrefix: c.KeyPrefix})
}
