// Package config loads and saves the persisted YAML configuration. The file
// has two top-level keys: `config` (general options) and `sources` (map of
// source name to source-specific options). Source options are opaque here;
// each source validates its own blob on configure.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// WaitingRoomPolicy controls whether performers with a queued song may add
// another.
type WaitingRoomPolicy string

const (
	WaitingRoomForced   WaitingRoomPolicy = "forced"
	WaitingRoomOptional WaitingRoomPolicy = "optional"
	WaitingRoomNone     WaitingRoomPolicy = "none"
)

// QRPosition is the corner the GUI renders the join code in.
type QRPosition string

const (
	QRTopLeft     QRPosition = "top-left"
	QRTopRight    QRPosition = "top-right"
	QRBottomLeft  QRPosition = "bottom-left"
	QRBottomRight QRPosition = "bottom-right"
)

// General holds the general options of the `config` key.
type General struct {
	Server            string            `yaml:"server"`
	Room              string            `yaml:"room"`
	Secret            string            `yaml:"secret"`
	PreviewDuration   int               `yaml:"preview_duration"`
	LastSong          *time.Time        `yaml:"last_song"`
	WaitingRoomPolicy WaitingRoomPolicy `yaml:"waiting_room_policy"`
	Key               string            `yaml:"key"`
	BufferInAdvance   int               `yaml:"buffer_in_advance"`
	QRBoxSize         int               `yaml:"qr_box_size"`
	QRPosition        QRPosition        `yaml:"qr_position"`
	ShowAdvanced      bool              `yaml:"show_advanced"`
	LogLevel          string            `yaml:"log_level"`
	NextUpTime        int               `yaml:"next_up_time"`
	AllowCollabMode   bool              `yaml:"allow_collab_mode"`
	AllowMoveToHead   bool              `yaml:"allow_move_to_head"`
}

// Config is the whole persisted file.
type Config struct {
	General General                   `yaml:"config"`
	Sources map[string]map[string]any `yaml:"sources"`
}

// Default returns a Config with documented defaults applied.
func Default() Config {
	return Config{
		General: General{
			Server:            "http://localhost:8080",
			PreviewDuration:   3,
			WaitingRoomPolicy: WaitingRoomNone,
			BufferInAdvance:   2,
			QRBoxSize:         5,
			QRPosition:        QRBottomRight,
			LogLevel:          "info",
			NextUpTime:        15,
		},
		Sources: map[string]map[string]any{},
	}
}

// Load reads the file at path, layering it over defaults. A missing file
// yields plain defaults without error so first runs work out of the box.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes the config atomically so a crash mid-write never truncates
// the user's file.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	g := &c.General
	switch g.WaitingRoomPolicy {
	case WaitingRoomForced, WaitingRoomOptional, WaitingRoomNone:
	default:
		g.WaitingRoomPolicy = WaitingRoomNone
	}
	switch g.QRPosition {
	case QRTopLeft, QRTopRight, QRBottomLeft, QRBottomRight:
	default:
		g.QRPosition = QRBottomRight
	}
	if g.BufferInAdvance < 1 {
		g.BufferInAdvance = 2
	}
	if g.PreviewDuration < 0 {
		g.PreviewDuration = 3
	}
	if c.Sources == nil {
		c.Sources = map[string]map[string]any{}
	}
}
