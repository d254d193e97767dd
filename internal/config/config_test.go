package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "redis", cfg.Realtime.Broker)
	assert.Equal(t, 1024, cfg.Realtime.QueueSize)
	assert.Equal(t, 20*time.Second, cfg.Realtime.KeepAlive)
	assert.Equal(t, []float64{5, 10, 20}, cfg.Dispatch.BandsKm)
	assert.Equal(t, 20, cfg.Dispatch.BandCap)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.RequestTTL)
	assert.Equal(t, "Africa/Lusaka", cfg.Pricing.Timezone)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PROPMOVE_HTTP_ADDR", ":9090")
	t.Setenv("PROPMOVE_REALTIME_BROKER", "NATS")
	t.Setenv("PROPMOVE_DISPATCH_ESCALATION_DELAY", "0s")
	t.Setenv("PROPMOVE_DISPATCH_BANDS_KM", "3, 6")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "nats", cfg.Realtime.Broker)
	assert.Equal(t, time.Duration(0), cfg.Dispatch.EscalationDelay)
	assert.Equal(t, []float64{3, 6}, cfg.Dispatch.BandsKm)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "propmove.yaml")
	data := `http:
  addr: ":7000"
realtime:
  broker: none
  queue_size: 16
dispatch:
  band_cap: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTP.Addr)
	assert.Equal(t, "none", cfg.Realtime.Broker)
	assert.Equal(t, 16, cfg.Realtime.QueueSize)
	assert.Equal(t, 5, cfg.Dispatch.BandCap)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"PROPMOVE_REALTIME_BROKER":   "kafka",
		"PROPMOVE_DISPATCH_BANDS_KM": "10,5",
		"PROPMOVE_DISPATCH_BAND_CAP": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}
