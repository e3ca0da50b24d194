package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Listen)
	assert.Equal(t, "@every 1m", cfg.Schedule.Poll)
	assert.Equal(t, 3*time.Minute, cfg.Verification.Delay)
	assert.Equal(t, 5, cfg.Breaker.Threshold)
	assert.Empty(t, cfg.Sources)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_PartialFileIsNormalized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
timezone: Asia/Seoul
fetch:
  timeout: 5s
verification:
  delay: 90s
sources:
  - name: team
    url: https://example.com/team.ics
  - id: alice
    tag: people
    calendar_id: alice@example.com
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 90*time.Second, cfg.Verification.Delay)
	assert.Equal(t, 4, cfg.Fetch.Concurrency)
	assert.Equal(t, "Asia/Seoul", cfg.Location().String())

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, SourceConfig{ID: "team", Name: "team", Tag: "team", Type: SourceICS, URL: "https://example.com/team.ics"}, cfg.Sources[0])
	assert.Equal(t, SourceGoogle, cfg.Sources[1].Type)
	assert.Equal(t, "people", cfg.Sources[1].Tag)
}

func TestSave_RoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Breaker.BackoffCeiling = 2 * time.Hour
	require.NoError(t, cfg.Save(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "backoff_ceiling: 2h0m0s")

	loaded, err := LoadExisting(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, loaded.Breaker.BackoffCeiling)
}

func TestLoadExisting_Missing(t *testing.T) {
	_, err := LoadExisting(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	cfg.Schedule.Poll = "every minute"
	cfg.Health.DegradedRate = 95
	cfg.Sources = []SourceConfig{
		{ID: "a", Type: SourceICS},
		{ID: "a", Type: SourceGoogle, CalendarID: "x"},
		{ID: "b", Type: "caldav", URL: "https://example.com"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "timezone")
	assert.Contains(t, msg, "schedule.poll")
	assert.Contains(t, msg, "degraded_rate")
	assert.Contains(t, msg, "needs url")
	assert.Contains(t, msg, "duplicate id")
	assert.Contains(t, msg, "unknown type")

	assert.NoError(t, DefaultConfig().Validate())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CALWATCH_WEBHOOK_URL":         "https://hooks.example.com/x",
		"CALWATCH_BASIC_AUTH_USER":     "ops",
		"CALWATCH_BASIC_AUTH_PASSWORD": "s3cret",
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "https://hooks.example.com/x", cfg.Notify.WebhookURL)
	require.NotNil(t, cfg.BasicAuth)
	assert.Equal(t, "ops", cfg.BasicAuth.Username)
	assert.Empty(t, cfg.Google.CredentialsFile)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(c *Config) { got <- c })
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.Sources = []SourceConfig{{ID: "team", URL: "https://example.com/team.ics"}}
	require.NoError(t, cfg.Save(path))

	select {
	case c := <-got:
		require.Len(t, c.Sources, 1)
		assert.Equal(t, "team", c.Sources[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}

	cancel()
	assert.NoError(t, <-done)
}
