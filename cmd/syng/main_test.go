package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syng.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunClientBrokenConfigIsConfigError(t *testing.T) {
	path := writeConfig(t, "config: [not a mapping")
	require.Equal(t, exitConfig, run([]string{"client", "--config-file", path}))
}

func TestRunClientUnknownFlagIsConfigError(t *testing.T) {
	require.Equal(t, exitConfig, run([]string{"client", "--no-such-flag"}))
}

func TestRunClientNoSourcesIsConfigError(t *testing.T) {
	path := writeConfig(t, "config:\n  server: http://localhost:1\n")
	require.Equal(t, exitConfig, run([]string{"client", "--config-file", path}))
}

func TestRunClientUnreachableServerExitsTransport(t *testing.T) {
	saved := reconnectDelay
	reconnectDelay = time.Millisecond
	defer func() { reconnectDelay = saved }()

	tmp := t.TempDir()
	path := writeConfig(t, `config:
  server: http://127.0.0.1:1
sources:
  youtube:
    tmp_dir: `+filepath.Join(tmp, "cache")+`
`)
	require.Equal(t, exitTransport, run([]string{"client", "--config-file", path}))
}

func TestRunServerBadKeyfileIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyfile")
	require.NoError(t, os.WriteFile(path, []byte("not hex at all\n"), 0o600))
	require.Equal(t, exitConfig, run([]string{"server", "--registration-keyfile", path}))
}
