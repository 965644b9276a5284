package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("L2LV_LINK_OPEN_TIMEOUT", "1s")
	t.Setenv("L2LV_LINK_MAX_LINKS", "4")
	t.Setenv("L2LV_QPORT_DIR", "/tmp/q")
	t.Setenv("L2LV_LOG_DEV", "true")
	t.Setenv("L2LV_METRICS_ADDR", ":9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Link.OpenTimeout)
	assert.Equal(t, 4, cfg.Link.MaxLinks)
	assert.Equal(t, 512, cfg.Link.JobPool)
	assert.Equal(t, "/tmp/q", cfg.QPort.Dir)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparsable duration", "L2LV_LINK_OPEN_TIMEOUT", "soon"},
		{"zero pool", "L2LV_LINK_JOB_POOL", "0"},
		{"negative depth", "L2LV_QPORT_DEPTH", "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
