package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.General.PreviewDuration)
	require.Equal(t, WaitingRoomNone, cfg.General.WaitingRoomPolicy)
	require.Equal(t, 2, cfg.General.BufferInAdvance)
	require.NotNil(t, cfg.Sources)
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syng.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
config:
  server: https://syng.example.com
  room: ABCD
  secret: hunter2
  preview_duration: 5
  last_song: 2026-08-25T23:30:00Z
  waiting_room_policy: forced
sources:
  youtube:
    max_results: 20
  files:
    dir: /srv/karaoke
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://syng.example.com", cfg.General.Server)
	require.Equal(t, "ABCD", cfg.General.Room)
	require.Equal(t, 5, cfg.General.PreviewDuration)
	require.Equal(t, WaitingRoomForced, cfg.General.WaitingRoomPolicy)
	require.NotNil(t, cfg.General.LastSong)
	require.Equal(t, time.Date(2026, 8, 25, 23, 30, 0, 0, time.UTC), cfg.General.LastSong.UTC())
	require.Equal(t, 20, cfg.Sources["youtube"]["max_results"])
	require.Equal(t, "/srv/karaoke", cfg.Sources["files"]["dir"])
}

func TestLoadNormalizesBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syng.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
config:
  waiting_room_policy: sometimes
  qr_position: middle
  buffer_in_advance: 0
  preview_duration: -1
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, WaitingRoomNone, cfg.General.WaitingRoomPolicy)
	require.Equal(t, QRBottomRight, cfg.General.QRPosition)
	require.Equal(t, 2, cfg.General.BufferInAdvance)
	require.Equal(t, 3, cfg.General.PreviewDuration)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "syng.yaml")
	cfg := Default()
	cfg.General.Room = "WXYZ"
	cfg.General.Secret = "s3cret"
	cfg.Sources["youtube"] = map[string]any{"max_results": 8}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "WXYZ", loaded.General.Room)
	require.Equal(t, "s3cret", loaded.General.Secret)
	require.Equal(t, 8, loaded.Sources["youtube"]["max_results"])
}
