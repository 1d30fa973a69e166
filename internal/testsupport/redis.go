package testsupport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/vitalpath/journey/internal/cache"
	"github.com/vitalpath/journey/internal/config"
)

const redisImage = "redis:7-alpine"

// RedisContainer is a throwaway Redis for the shared cache tier and its
// invalidation bus.
type RedisContainer struct {
	Container testcontainers.Container
	Client    *redis.Client
	// Config is what Client was built from, for tests that open a second
	// client the way another API instance would.
	Config *config.RedisConfig
}

// Reset drops every key so subtests start from an empty tier.
func (c *RedisContainer) Reset(ctx context.Context) error {
	return c.Client.FlushDB(ctx).Err()
}

// Terminate closes the client and removes the container.
func (c *RedisContainer) Terminate(ctx context.Context) error {
	_ = c.Client.Close()
	return c.Container.Terminate(ctx)
}

// StartRedisContainer runs Redis and connects through cache.NewRedisClient,
// the same path the API takes at startup.
func StartRedisContainer(ctx context.Context) (*RedisContainer, error) {
	ctr, err := tcredis.Run(ctx, redisImage)
	if err != nil {
		return nil, fmt.Errorf("failed to start redis container: %w", err)
	}

	endpoint, err := ctr.PortEndpoint(ctx, "6379/tcp", "")
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to split redis endpoint %q: %w", endpoint, err)
	}

	cfg := &config.RedisConfig{
		Host:           host,
		Port:           port,
		PoolSize:       8,
		DialTimeout:    2 * time.Second,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		PoolTimeout:    2 * time.Second,
		PingMaxRetries: 5,
		PingBackoff:    250 * time.Millisecond,
	}
	client, err := cache.NewRedisClient(ctx, cfg)
	if err != nil {
		_ = ctr.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to redis container: %w", err)
	}

	return &RedisContainer{Container: ctr, Client: client, Config: cfg}, nil
}
