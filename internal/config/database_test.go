package config

import (
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func componentDB() DatabaseConfig {
	return DatabaseConfig{
		Host:     "prod-db.example.com",
		Port:     "5432",
		Name:     "journey_prod",
		User:     "journey",
		Password: "SuperSecure123!",
		SSLMode:  "require",
		MaxConns: 20,
		MinConns: 2,
	}
}

func TestDatabaseConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		mutate  func(c *DatabaseConfig)
		wantErr string
	}{
		{name: "components in production", env: EnvironmentProduction},
		{
			name:    "production requires a password",
			env:     EnvironmentProduction,
			mutate:  func(c *DatabaseConfig) { c.Password = "" },
			wantErr: "password is required",
		},
		{
			name:    "production rejects a short password",
			env:     EnvironmentProduction,
			mutate:  func(c *DatabaseConfig) { c.Password = "short" },
			wantErr: "at least 12 characters",
		},
		{
			name:    "production requires an encrypted connection",
			env:     EnvironmentProduction,
			mutate:  func(c *DatabaseConfig) { c.SSLMode = "prefer" },
			wantErr: "SSL mode",
		},
		{
			name:   "development allows no password and plain connections",
			env:    "development",
			mutate: func(c *DatabaseConfig) { c.Password, c.SSLMode = "", "disable" },
		},
		{
			name:    "name longer than postgres allows",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.Name = strings.Repeat("j", 64) },
			wantErr: "database name",
		},
		{
			name:    "missing user",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.User = "" },
			wantErr: "database user cannot be empty",
		},
		{
			name:    "non-numeric port",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.Port = "pg" },
			wantErr: "port must be a number",
		},
		{
			name:    "more idle connections than the pool holds",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.MinConns, c.MaxConns = 30, 10 },
			wantErr: "cannot exceed max conns",
		},
		{
			name:    "negative statement timeout",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.StatementTimeout = -time.Second },
			wantErr: "cannot be negative",
		},
		{
			name: "URL skips component checks in production",
			env:  EnvironmentProduction,
			mutate: func(c *DatabaseConfig) {
				*c = DatabaseConfig{URL: "postgres://journey:pw@db:5432/journey?sslmode=require", MaxConns: 5}
			},
		},
		{
			name:    "URL with a foreign scheme",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.URL = "mysql://journey:pw@db:3306/journey" },
			wantErr: "invalid scheme",
		},
		{
			name:    "URL without a user",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.URL = "postgres://db:5432/journey" },
			wantErr: "user is required",
		},
		{
			name:    "URL without a database",
			env:     "development",
			mutate:  func(c *DatabaseConfig) { c.URL = "postgres://journey:pw@db:5432/" },
			wantErr: "database name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := componentDB()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			err := cfg.Validate(tt.env)

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_ConnectionString(t *testing.T) {
	t.Run("escapes credentials built from components", func(t *testing.T) {
		cfg := componentDB()
		cfg.Password = "p@ss/word?"

		dsn := cfg.ConnectionString()

		// pgx must read back exactly what was configured.
		parsed, err := pgxpool.ParseConfig(dsn)
		require.NoError(t, err)
		assert.Equal(t, "p@ss/word?", parsed.ConnConfig.Password)
		assert.Equal(t, "journey", parsed.ConnConfig.User)
		assert.Equal(t, "journey_prod", parsed.ConnConfig.Database)
		assert.Contains(t, dsn, "sslmode=require")
	})

	t.Run("omits the password when none is set", func(t *testing.T) {
		cfg := componentDB()
		cfg.Password = ""

		assert.Equal(t, "postgres://journey@prod-db.example.com:5432/journey_prod?sslmode=require", cfg.ConnectionString())
	})

	t.Run("returns the URL unchanged", func(t *testing.T) {
		cfg := DatabaseConfig{URL: "postgres://a:b@c:5432/d", Host: "ignored"}

		assert.Equal(t, "postgres://a:b@c:5432/d", cfg.ConnectionString())
	})
}

func TestDatabaseConfig_RuntimeParams(t *testing.T) {
	cfg := DatabaseConfig{
		ApplicationName:  "journeyctl",
		StatementTimeout: 2500 * time.Millisecond,
		IdleInTxTimeout:  time.Minute,
	}

	assert.Equal(t, map[string]string{
		"application_name":                    "journeyctl",
		"statement_timeout":                   "2500",
		"idle_in_transaction_session_timeout": "60000",
	}, cfg.RuntimeParams())

	assert.Empty(t, (&DatabaseConfig{}).RuntimeParams())
}

func TestDatabaseConfig_EnvDefaults(t *testing.T) {
	for key, value := range minimalRequiredConfig() {
		t.Setenv(key, value)
	}

	cfg, err := Load()

	require.NoError(t, err)
	assert.Equal(t, "prefer", cfg.Database.SSLMode)
	assert.Equal(t, "journey", cfg.Database.ApplicationName)
	assert.Equal(t, 10*time.Second, cfg.Database.StatementTimeout)
	assert.Equal(t, 20, cfg.Database.MaxConns)
	assert.Equal(t, 15*time.Second, cfg.Database.MonitorInterval)
	assert.True(t, cfg.Database.IsConfigured())
}
