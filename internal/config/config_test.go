package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STRAVACAL_DATA_DIR", "/tmp/stravacal-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/tmp/stravacal-test/credentials.json", cfg.CredentialsFile)
	assert.Equal(t, "/tmp/stravacal-test/calendars", cfg.CalendarDir())
	assert.Equal(t, 10, cfg.PerPage)
	assert.Equal(t, time.UTC, cfg.Location())
	assert.False(t, cfg.Admin.Enabled())
	assert.False(t, cfg.CalDAV.Enabled())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:9000
timezone: Europe/Berlin
per_page: 30
task_timeout: 45s
rebuild_schedule: "0 */6 * * *"
strava:
  client_id: "123"
  verify_token: from-file
  subscription_id: 77
caldav:
  url: https://caldav.example.com/
  calendar_name: Training
`), 0o600))

	t.Setenv("STRAVA_VERIFY_TOKEN", "from-env")
	t.Setenv("WORKERS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "Europe/Berlin", cfg.Location().String())
	assert.Equal(t, 30, cfg.PerPage)
	assert.Equal(t, 45*time.Second, cfg.TaskTimeout)
	assert.Equal(t, "123", cfg.Strava.ClientID)
	assert.Equal(t, "from-env", cfg.Strava.VerifyToken)
	assert.Equal(t, int64(77), cfg.Strava.SubscriptionID)
	assert.Equal(t, 2, cfg.Workers)
	assert.True(t, cfg.CalDAV.Enabled())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("TIMEZONE", "Mars/Olympus")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid timezone")

	t.Setenv("TIMEZONE", "UTC")
	t.Setenv("WORKERS", "many")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv("WORKERS", "1")
	t.Setenv("REBUILD_SCHEDULE", "every day")
	_, err = Load("")
	require.Error(t, err)

	t.Setenv("REBUILD_SCHEDULE", "")
	t.Setenv("PER_PAGE", "500")
	_, err = Load("")
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
