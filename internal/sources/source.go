// Package sources defines the media-source plugin contract and its concrete
// implementations. A source knows how to search, resolve, buffer, and play
// songs from one backend. The relay service instantiates sources from
// configuration received off the wire to serve search and resolve; the
// playback client additionally uses them to buffer and play.
package sources

import (
	"context"

	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
	"github.com/syng-dev/syng-go/internal/protocol"
)

// Source is the uniform capability set every media-source plugin implements.
type Source interface {
	// Name returns the registry name of the plugin.
	Name() string

	// Configure validates and stores source-specific configuration.
	Configure(cfg map[string]any) error

	// Search returns ranked results for a query, best first.
	Search(ctx context.Context, query string) ([]model.Result, error)

	// Resolve turns a result id into a fully populated Entry.
	Resolve(ctx context.Context, performer, id string) (*model.Entry, error)

	// GetMissingMetadata fills in fields not resolvable at search time,
	// typically the duration.
	GetMissingMetadata(ctx context.Context, entry *model.Entry) (protocol.EntryMeta, error)

	// Buffer downloads or prepares the entry's media. Idempotent: a second
	// concurrent caller for the same entry id waits for the first download
	// instead of starting another.
	Buffer(ctx context.Context, entry *model.Entry) error

	// Play launches the external player with the buffered media and blocks
	// until it exits. Entries marked failed or skipped return immediately
	// and drop their cached artifact.
	Play(ctx context.Context, entry *model.Entry) error

	// SkipCurrent marks the entry skipped, cancels its in-flight buffer
	// task, and terminates the player if one is running.
	SkipCurrent(entry *model.Entry)

	// GetConfig returns the source configuration for transport to the
	// server, split into chunks when one message would be impractically
	// large. A single-element slice is the common case.
	GetConfig() []map[string]any

	// AddToConfig accepts one chunk in the chunked form, merging it into
	// the stored configuration.
	AddToConfig(chunk map[string]any) error

	// Close releases background resources (watchers, index handles).
	Close() error
}

// Constructor builds a source instance. The player handle is shared across
// all sources of one playback client so playback stays single-instance;
// server-side instances receive nil and never play.
type Constructor func(p *player.Player) Source

// Registry maps source names to constructors. It is threaded explicitly
// through construction rather than living in package state.
type Registry struct {
	byName map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Constructor{}}
}

// Register adds a constructor under the given name, replacing any previous
// registration.
func (r *Registry) Register(name string, c Constructor) {
	r.byName[name] = c
}

// Create instantiates the named source, or returns false if unknown.
func (r *Registry) Create(name string, p *player.Player) (Source, bool) {
	c, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return c(p), true
}

// Known reports whether a source name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Builtin returns a registry with the built-in sources.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register(NameYouTube, func(p *player.Player) Source { return NewYouTube(p) })
	r.Register(NameFiles, func(p *player.Player) Source { return NewFiles(p) })
	return r
}
