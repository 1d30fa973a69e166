package config

import (
	"fmt"
	"time"
)

// CacheConfig configures the read-model cache tiers.
type CacheConfig struct {
	// L1Capacity is the maximum number of journeys held in process memory.
	L1Capacity int           `envconfig:"L1_CAPACITY" default:"10000" validate:"min=1"`
	L1TTL      time.Duration `envconfig:"L1_TTL" default:"10s"`

	// L2Enabled turns on the shared Redis tier and cross-instance invalidation.
	L2Enabled bool          `envconfig:"L2_ENABLED" default:"true"`
	L2TTL     time.Duration `envconfig:"L2_TTL" default:"60s"`

	KeyPrefix           string `envconfig:"KEY_PREFIX" default:"journey:readmodel"`
	InvalidationChannel string `envconfig:"INVALIDATION_CHANNEL" default:"journey:invalidations"`
}

// Validate checks the cache TTLs are on the seconds-to-minutes scale.
func (c *CacheConfig) Validate() error {
	if c.L1TTL < time.Second || c.L1TTL > 10*time.Minute {
		return fmt.Errorf("cache L1 TTL must be between 1s and 10m, got %s", c.L1TTL)
	}
	if c.L2Enabled {
		if c.L2TTL < time.Second || c.L2TTL > 10*time.Minute {
			return fmt.Errorf("cache L2 TTL must be between 1s and 10m, got %s", c.L2TTL)
		}
		if err := validateNoWhitespace(c.KeyPrefix, "cache key prefix"); err != nil {
			return err
		}
		if err := validateNoWhitespace(c.InvalidationChannel, "cache invalidation channel"); err != nil {
			return err
		}
	}
	return nil
}

// ProgressionConfig holds the progression policy and the completion flow limits.
type ProgressionConfig struct {
	// InProgressPartial is the satisfied-rule ratio that marks a stage in_progress.
	InProgressPartial float64 `envconfig:"IN_PROGRESS_PARTIAL" default:"0.4" validate:"gte=0,lte=1"`
	// InProgressPoints is the earned-points ratio that marks a stage in_progress.
	InProgressPoints float64 `envconfig:"IN_PROGRESS_POINTS" default:"0.5" validate:"gte=0,lte=1"`

	DefaultLookbackDays int           `envconfig:"DEFAULT_LOOKBACK_DAYS" default:"7" validate:"min=1,max=365"`
	MetricsTimeout      time.Duration `envconfig:"METRICS_TIMEOUT" default:"2s"`
	CompletionTimeout   time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"5s"`
	MaxTxRetries        int           `envconfig:"MAX_TX_RETRIES" default:"3" validate:"min=0,max=10"`
}

// Validate checks the timeouts are usable.
func (c *ProgressionConfig) Validate() error {
	if c.MetricsTimeout <= 0 {
		return fmt.Errorf("progression metrics timeout must be positive")
	}
	if c.CompletionTimeout < c.MetricsTimeout {
		return fmt.Errorf("progression completion timeout (%s) must not be shorter than metrics timeout (%s)",
			c.CompletionTimeout, c.MetricsTimeout)
	}
	return nil
}

// RateLimitConfig throttles the points-minting completion endpoint per user.
type RateLimitConfig struct {
	CompletionsPerMinute int `envconfig:"COMPLETIONS_PER_MINUTE" default:"5" validate:"min=1"`
	Burst                int `envconfig:"BURST" default:"3" validate:"min=1"`
	// MaxTrackedUsers bounds the in-memory limiter registry.
	MaxTrackedUsers int           `envconfig:"MAX_TRACKED_USERS" default:"100000" validate:"min=1"`
	IdleTTL         time.Duration `envconfig:"IDLE_TTL" default:"10m"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// JWTSecret is the HMAC key used to verify access tokens.
	JWTSecret string `envconfig:"JWT_SECRET"`
	Issuer    string `envconfig:"JWT_ISSUER"`
	Audience  string `envconfig:"JWT_AUDIENCE"`
}

// Validate requires a secret everywhere and a strong one in production.
func (c *AuthConfig) Validate(environment string) error {
	if c.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}
	if environment == EnvironmentProduction && len(c.JWTSecret) < 32 {
		return fmt.Errorf("auth JWT secret must be at least 32 characters in production")
	}
	return nil
}

// TracingConfig configures OpenTelemetry trace export.
type TracingConfig struct {
	Enabled     bool    `envconfig:"ENABLED" default:"false"`
	Endpoint    string  `envconfig:"ENDPOINT"`
	Insecure    bool    `envconfig:"INSECURE" default:"false"`
	SampleRatio float64 `envconfig:"SAMPLE_RATIO" default:"0.1" validate:"gte=0,lte=1"`
}

// Validate requires an endpoint when tracing is on.
func (c *TracingConfig) Validate() error {
	if c.Enabled {
		if err := validateNoWhitespace(c.Endpoint, "tracing endpoint"); err != nil {
			return err
		}
	}
	return nil
}
