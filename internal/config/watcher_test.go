package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsManagerToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.env")
	require.NoError(t, os.WriteFile(path, []byte("MANAGER_TOKEN=initial\n"), 0o600))

	base := &Config{ManagerToken: "initial", DecisionTimeout: 8 * time.Second}

	changed := make(chan *Config, 1)
	watcher, err := Watch(path, base, func(c *Config) { changed <- c })
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("MANAGER_TOKEN=rotated\nDECISION_TIMEOUT_MS=1500\n"), 0o600))

	select {
	case c := <-changed:
		require.Equal(t, "rotated", c.ManagerToken)
		require.Equal(t, 1500*time.Millisecond, c.DecisionTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
