package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Deadlines.ApproachingWindow)
	assert.Equal(t, 64, cfg.Engine.MaxAutoSteps)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 256, cfg.Notifications.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.Notifications.DrainTimeout)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
deadlines:
  approaching_window: 12h
  default_escalation_role: QualityManager
directory:
  users:
    - id: u-1
      name: Deniz
      roles: [Reviewer, QualityManager]
      active: true
`))
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, cfg.Deadlines.ApproachingWindow)
	assert.Equal(t, 24*time.Hour, cfg.Deadlines.ReminderInterval)
	assert.Equal(t, "QualityManager", cfg.Deadlines.DefaultEscalationRole)
	require.Len(t, cfg.Directory.Users, 1)
	assert.True(t, cfg.Directory.Users[0].HasRole("Reviewer"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":  "database:\n  driver: postgres\n",
		"level":   "logging:\n  level: loud\n",
		"steps":   "engine:\n  max_auto_steps: 0\n",
		"dupUser": "directory:\n  users:\n    - id: a\n    - id: a\n",
		"queue":   "notifications:\n  workers: 0\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("server:\n  addr: :9999\n"), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}
