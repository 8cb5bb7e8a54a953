package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseConfig tests flag and environment handling
func TestParseConfig(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		args       []string
		listen     string
		advertise  string
		masterAddr string
		refresh    time.Duration
	}{
		{
			name:       "defaults",
			listen:     ":1026",
			advertise:  "localhost:1026",
			masterAddr: "localhost:1025",
			refresh:    time.Second,
		},
		{
			name:       "second server",
			args:       []string{"-port", "1027", "-masterport", "1025"},
			listen:     ":1027",
			advertise:  "localhost:1027",
			masterAddr: "localhost:1025",
			refresh:    time.Second,
		},
		{
			name:       "shorthand flags",
			args:       []string{"-p", "2026", "-m", "2025"},
			listen:     ":2026",
			advertise:  "localhost:2026",
			masterAddr: "localhost:2025",
			refresh:    time.Second,
		},
		{
			name:       "environment",
			env:        map[string]string{"SHARD_PORT": "3026", "SHARD_HOST": "10.0.0.5", "MASTER_HOST": "master", "SHARD_REFRESH": "5s"},
			listen:     ":3026",
			advertise:  "10.0.0.5:3026",
			masterAddr: "master:1025",
			refresh:    5 * time.Second,
		},
		{
			name:       "flags override environment",
			env:        map[string]string{"SHARD_PORT": "3026"},
			args:       []string{"-port", "4026", "-refresh", "0"},
			listen:     ":4026",
			advertise:  "localhost:4026",
			masterAddr: "localhost:1025",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := parseConfig(tt.args, io.Discard)
			require.NoError(t, err)
			assert.Equal(t, tt.listen, cfg.ListenAddr)
			assert.Equal(t, tt.advertise, cfg.AdvertiseAddr)
			assert.Equal(t, tt.masterAddr, cfg.MasterAddr)
			assert.Equal(t, tt.refresh, cfg.RefreshInterval)
		})
	}

	t.Run("invalid port", func(t *testing.T) {
		_, err := parseConfig([]string{"-masterport", "70000"}, io.Discard)
		assert.Error(t, err)
	})
}

// TestGetenv tests the getenv utility function
func TestGetenv(t *testing.T) {
	t.Setenv("TEST_ENV_VAR", "test_value")
	assert.Equal(t, "test_value", getenv("TEST_ENV_VAR", "default"))
	assert.Equal(t, "default", getenv("UNSET_ENV_VAR", "default"))
	assert.Equal(t, 7, getenvInt("UNSET_ENV_VAR", 7))
	assert.Equal(t, time.Minute, getenvDuration("UNSET_ENV_VAR", time.Minute))
}
