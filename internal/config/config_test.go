package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Pool:     Pool{Workers: 3},
		Producer: Producer{Producers: 1, Requests: 6, Interval: 200 * time.Millisecond, Burst: 1},
		Logging:  Logging{Level: "info"},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(cfg *Config)
		wantErr     bool
		errContains []string
	}{
		{
			name:    "Valid Default Config",
			modify:  func(*Config) {},
			wantErr: false,
		},
		{
			name:        "Zero Workers",
			modify:      func(cfg *Config) { cfg.Pool.Workers = 0 },
			wantErr:     true,
			errContains: []string{"field 'pool.workers' (struct field: 'Workers') failed on the 'gt' validation rule"},
		},
		{
			name:        "Negative Workers",
			modify:      func(cfg *Config) { cfg.Pool.Workers = -2 },
			wantErr:     true,
			errContains: []string{"field 'pool.workers' (struct field: 'Workers') failed on the 'gt' validation rule"},
		},
		{
			name:        "Negative Wait Timeout",
			modify:      func(cfg *Config) { cfg.Pool.WaitTimeout = -time.Second },
			wantErr:     true,
			errContains: []string{"field 'pool.wait_timeout' (struct field: 'WaitTimeout') failed on the 'gte' validation rule"},
		},
		{
			name:        "No Producers",
			modify:      func(cfg *Config) { cfg.Producer.Producers = 0 },
			wantErr:     true,
			errContains: []string{"field 'producer.producers' (struct field: 'Producers') failed on the 'min' validation rule"},
		},
		{
			name:        "Invalid Log Level",
			modify:      func(cfg *Config) { cfg.Logging.Level = "verbose" },
			wantErr:     true,
			errContains: []string{"field 'logging.level' (struct field: 'Level') failed on the 'oneof' validation rule"},
		},
		{
			name:        "Invalid Metrics Address",
			modify:      func(cfg *Config) { cfg.Metrics.Address = "not an address" },
			wantErr:     true,
			errContains: []string{"field 'metrics.address' (struct field: 'Address') failed on the 'hostname_port' validation rule"},
		},
		{
			name:    "Valid Metrics Address",
			modify:  func(cfg *Config) { cfg.Metrics.Address = "127.0.0.1:9090" },
			wantErr: false,
		},
		{
			name: "Multiple Violations",
			modify: func(cfg *Config) {
				cfg.Pool.Workers = 0
				cfg.Producer.Burst = 0
			},
			wantErr: true,
			errContains: []string{
				"field 'pool.workers' (struct field: 'Workers') failed on the 'gt' validation rule",
				"field 'producer.burst' (struct field: 'Burst') failed on the 'min' validation rule",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.errContains {
				require.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Pool.Workers)
	require.Equal(t, time.Duration(0), cfg.Pool.WaitTimeout)
	require.Equal(t, 1, cfg.Producer.Producers)
	require.Equal(t, 6, cfg.Producer.Requests)
	require.Equal(t, 200*time.Millisecond, cfg.Producer.Interval)
	require.Equal(t, 1, cfg.Producer.Burst)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Empty(t, cfg.Metrics.Address)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := Load([]string{"-w", "8", "--requests=100", "--interval=0s", "--log-level", "debug", "--name", "flags"})
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Pool.Workers)
	require.Equal(t, "flags", cfg.Pool.Name)
	require.Equal(t, 100, cfg.Producer.Requests)
	require.Equal(t, time.Duration(0), cfg.Producer.Interval)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_InvalidFlags(t *testing.T) {
	_, err := Load([]string{"--workers", "0"})
	require.ErrorContains(t, err, "failed on the 'gt' validation rule")

	_, err = Load([]string{"--no-such-flag"})
	require.ErrorContains(t, err, "parse flags")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "requestpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
pool:
  name: from-file
  workers: 5
  wait_timeout: 50ms
producer:
  producers: 2
  requests: 10
  interval: 0s
logging:
  level: warn
  json: true
metrics:
  address: localhost:9100
`)), 0o600))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Pool.Name)
	require.Equal(t, 5, cfg.Pool.Workers)
	require.Equal(t, 50*time.Millisecond, cfg.Pool.WaitTimeout)
	require.Equal(t, 2, cfg.Producer.Producers)
	require.Equal(t, 10, cfg.Producer.Requests)
	require.Equal(t, time.Duration(0), cfg.Producer.Interval)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.True(t, cfg.Logging.JSON)
	require.Equal(t, "localhost:9100", cfg.Metrics.Address)

	// Flags take precedence over the file.
	cfg, err = Load([]string{"--config", path, "--workers", "7"})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pool.Workers)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "read config")
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("REQUESTPOOL_POOL_WORKERS", "11")
	t.Setenv("REQUESTPOOL_LOGGING_LEVEL", "error")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 11, cfg.Pool.Workers)
	require.Equal(t, "error", cfg.Logging.Level)

	cfg, err = Load([]string{"--workers", "2"})
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Pool.Workers)
}

func TestLogging_NewLogger(t *testing.T) {
	var buf bytes.Buffer

	Logging{Level: "info"}.NewLogger(&buf).Debug("hidden")
	require.Empty(t, buf.String())

	Logging{Level: "debug"}.NewLogger(&buf).Debug("shown")
	require.Contains(t, buf.String(), "msg=shown")

	buf.Reset()
	Logging{Level: "info", JSON: true}.NewLogger(&buf).Info("json", "worker", 1)
	require.Contains(t, buf.String(), `"msg":"json"`)
	require.Contains(t, buf.String(), `"worker":1`)

	buf.Reset()
	Logging{Level: "none"}.NewLogger(&buf).Error("dropped")
	require.Empty(t, buf.String())
}
