package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJourneySections_Validation(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    func(t *testing.T, cfg *Config)
		wantErr bool
	}{
		{
			name: "Should load custom progression policy",
			envVars: mergeEnvVars(map[string]string{
				"JOURNEY_PROGRESSION_IN_PROGRESS_PARTIAL":   "0.3",
				"JOURNEY_PROGRESSION_IN_PROGRESS_POINTS":    "0.6",
				"JOURNEY_PROGRESSION_DEFAULT_LOOKBACK_DAYS": "14",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0.3, cfg.Progression.InProgressPartial)
				assert.Equal(t, 0.6, cfg.Progression.InProgressPoints)
				assert.Equal(t, 14, cfg.Progression.DefaultLookbackDays)
			},
		},
		{
			name:    "Should reject partial threshold above 1",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_PROGRESSION_IN_PROGRESS_PARTIAL": "1.2"}),
			wantErr: true,
		},
		{
			name: "Should reject completion timeout shorter than metrics timeout",
			envVars: mergeEnvVars(map[string]string{
				"JOURNEY_PROGRESSION_METRICS_TIMEOUT":    "3s",
				"JOURNEY_PROGRESSION_COMPLETION_TIMEOUT": "1s",
			}),
			wantErr: true,
		},
		{
			name:    "Should reject zero completions per minute",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_RATELIMIT_COMPLETIONS_PER_MINUTE": "0"}),
			wantErr: true,
		},
		{
			name:    "Should reject L1 TTL under one second",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_CACHE_L1_TTL": "500ms"}),
			wantErr: true,
		},
		{
			name:    "Should ignore L2 TTL when the L2 tier is disabled",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_CACHE_L2_ENABLED": "false", "JOURNEY_CACHE_L2_TTL": "0s"}),
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Cache.L2Enabled)
				assert.Equal(t, time.Duration(0), cfg.Cache.L2TTL)
			},
		},
		{
			name:    "Should require a JWT secret",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_AUTH_JWT_SECRET": ""}),
			wantErr: true,
		},
		{
			name: "Should require a long JWT secret in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["JOURNEY_AUTH_JWT_SECRET"] = "short"
				return cfg
			}(),
			wantErr: true,
		},
		{
			name:    "Should require an endpoint when tracing is enabled",
			envVars: mergeEnvVars(map[string]string{"JOURNEY_TRACING_ENABLED": "true"}),
			wantErr: true,
		},
		{
			name: "Should load tracing settings",
			envVars: mergeEnvVars(map[string]string{
				"JOURNEY_TRACING_ENABLED":      "true",
				"JOURNEY_TRACING_ENDPOINT":     "otel-collector:4318",
				"JOURNEY_TRACING_SAMPLE_RATIO": "0.25",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Tracing.Enabled)
				assert.Equal(t, "otel-collector:4318", cfg.Tracing.Endpoint)
				assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}
