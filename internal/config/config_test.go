package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Rewards.DefaultXP)
	assert.Equal(t, 10, cfg.Rewards.SubmissionBonus)
	assert.Equal(t, 3*time.Second, cfg.Realtime.LookupTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Realtime.PollInterval)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Webhooks)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte(`
rewards:
  default_xp: 120
webhooks:
  - url: https://hooks.example/missions
    events: [mission.updated]
    enabled: false
`))
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Rewards.DefaultXP)
	assert.Equal(t, 10, cfg.Rewards.SubmissionBonus)
	require.Len(t, cfg.Webhooks, 1)
	require.NotNil(t, cfg.Webhooks[0].Enabled)
	assert.False(t, *cfg.Webhooks[0].Enabled)
	assert.Equal(t, []string{"mission.updated"}, cfg.Webhooks[0].Events)
}

func TestFromYAMLRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"negative xp":    "rewards:\n  default_xp: -1\n",
		"base path":      "server:\n  base_path: v0\n",
		"empty webhook":  "webhooks:\n  - url: \"\"\n",
		"zero poll":      "realtime:\n  poll_interval: 0s\n",
		"redis lock ttl": "redis:\n  addr: localhost:6379\n  lock_ttl: 0s\n",
		"bad yaml":       "rewards: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("log:\n  level: debug\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}
