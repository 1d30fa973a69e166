package config

import (
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared read-model tier and the invalidation bus.
// A slow or absent Redis reads as a cache miss, so timeouts default low.
type RedisConfig struct {
	// URL takes precedence over the individual components.
	URL      string `envconfig:"URL"`
	Host     string `envconfig:"HOST"`
	Port     string `envconfig:"PORT"`
	Password string `envconfig:"PASSWORD"`
	DB       int    `envconfig:"DB" default:"0" validate:"min=0,max=15"`

	TLSEnabled bool `envconfig:"TLS_ENABLED" default:"false"`

	PoolSize        int           `envconfig:"POOL_SIZE" default:"20" validate:"min=1"`
	MinIdleConns    int           `envconfig:"MIN_IDLE_CONNS" default:"4" validate:"min=0"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"2s"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"300ms"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"300ms"`
	PoolTimeout     time.Duration `envconfig:"POOL_TIMEOUT" default:"1s"`
	MaxRetries      int           `envconfig:"MAX_RETRIES" default:"1" validate:"min=0"`
	MinRetryBackoff time.Duration `envconfig:"MIN_RETRY_BACKOFF" default:"8ms"`
	MaxRetryBackoff time.Duration `envconfig:"MAX_RETRY_BACKOFF" default:"128ms"`

	PingMaxRetries int           `envconfig:"PING_MAX_RETRIES" default:"5" validate:"min=1"`
	PingBackoff    time.Duration `envconfig:"PING_BACKOFF" default:"1s"`
}

// Address is host:port from the components, or URL when one is set.
// NewRedisClient parses the URL form itself.
func (c *RedisConfig) Address() string {
	if c.URL != "" {
		return c.URL
	}
	return net.JoinHostPort(c.Host, c.Port)
}

// Validate checks the Redis target. Production requires a strong password
// and TLS unless a URL carries the whole connection.
func (c *RedisConfig) Validate(environment string) error {
	if c.URL != "" {
		if _, err := parseAndValidateURL(c.URL, []string{"redis", "rediss"}); err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		// ParseURL rejects a non-numeric database path but not a large one.
		opts, err := redis.ParseURL(c.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if opts.DB > 15 {
			return fmt.Errorf("invalid redis URL: database number must be between 0 and 15, got %d", opts.DB)
		}
	} else {
		if err := validateHost(c.Host, "redis"); err != nil {
			return err
		}
		if err := validatePort(c.Port, "redis"); err != nil {
			return err
		}
		if environment == EnvironmentProduction {
			if c.Password == "" {
				return fmt.Errorf("redis password is required in production environment")
			}
			if err := validatePasswordStrength(c.Password, "redis", environment); err != nil {
				return err
			}
			if !c.TLSEnabled {
				return fmt.Errorf("redis TLS must be enabled in production environment")
			}
		}
	}

	if c.MinIdleConns > c.PoolSize {
		return fmt.Errorf("redis min idle conns (%d) cannot exceed pool size (%d)", c.MinIdleConns, c.PoolSize)
	}
	if c.MinRetryBackoff > c.MaxRetryBackoff {
		return fmt.Errorf("redis min retry backoff (%s) cannot exceed max retry backoff (%s)", c.MinRetryBackoff, c.MaxRetryBackoff)
	}
	return nil
}

// IsConfigured reports whether enough is set to attempt a connection.
func (c *RedisConfig) IsConfigured() bool {
	return c.URL != "" || (c.Host != "" && c.Port != "")
}
