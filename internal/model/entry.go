// Package model holds the data model shared by the relay service and the
// playback client: queue entries, search results, and the protocol version.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Protocol version advertised during registration. Registration is refused
// when the major versions of client and server differ.
const (
	VersionMajor = 2
	VersionMinor = 2
	VersionPatch = 0
)

// Version is the wire form of the protocol version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// CurrentVersion returns the protocol version this build speaks.
func CurrentVersion() Version {
	return Version{Major: VersionMajor, Minor: VersionMinor, Patch: VersionPatch}
}

// Compatible reports whether a peer's version can interoperate with ours.
func (v Version) Compatible(other Version) bool {
	return v.Major == other.Major
}

// Entry is one queued song. UUID is assigned at creation and immutable;
// (Source, ID) may repeat within a room.
type Entry struct {
	UUID      uuid.UUID
	ID        string
	Source    string
	Duration  int // seconds; 0 until metadata resolves
	Title     string
	Artist    string
	Album     string
	Performer string
	StartedAt *time.Time // set exactly once, when playback begins
	Failed    bool       // set by the coordinator on buffering failure
	Skip      bool       // set by admin skip; not serialized
}

// NewEntry creates an Entry with a fresh UUID.
func NewEntry(source, id, performer string) *Entry {
	return &Entry{
		UUID:      uuid.New(),
		ID:        id,
		Source:    source,
		Performer: performer,
	}
}

// Started reports whether playback of this entry has begun.
func (e *Entry) Started() bool {
	return e.StartedAt != nil
}

// MarkStarted stamps StartedAt. Stamping happens exactly once; later calls
// are no-ops so re-registration cannot rewind a playing entry.
func (e *Entry) MarkStarted(at time.Time) {
	if e.StartedAt == nil {
		t := at
		e.StartedAt = &t
	}
}

// wireEntry is the JSON shape: UUID as canonical text, started_at as epoch
// seconds or null.
type wireEntry struct {
	UUID      string   `json:"uuid"`
	ID        string   `json:"id"`
	Source    string   `json:"source"`
	Duration  int      `json:"duration"`
	Title     string   `json:"title"`
	Artist    string   `json:"artist"`
	Album     string   `json:"album"`
	Performer string   `json:"performer"`
	StartedAt *float64 `json:"started_at"`
	Failed    bool     `json:"failed"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	w := wireEntry{
		UUID:      e.UUID.String(),
		ID:        e.ID,
		Source:    e.Source,
		Duration:  e.Duration,
		Title:     e.Title,
		Artist:    e.Artist,
		Album:     e.Album,
		Performer: e.Performer,
		Failed:    e.Failed,
	}
	if e.StartedAt != nil {
		secs := float64(e.StartedAt.UnixMilli()) / 1000
		w.StartedAt = &secs
	}
	return json.Marshal(w)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := uuid.Parse(w.UUID)
	if err != nil {
		return err
	}
	e.UUID = parsed
	e.ID = w.ID
	e.Source = w.Source
	e.Duration = w.Duration
	e.Title = w.Title
	e.Artist = w.Artist
	e.Album = w.Album
	e.Performer = w.Performer
	e.Failed = w.Failed
	e.StartedAt = nil
	if w.StartedAt != nil {
		t := time.UnixMilli(int64(*w.StartedAt * 1000))
		e.StartedAt = &t
	}
	return nil
}

// Result is an ephemeral search hit; it never enters the queue.
type Result struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Title  string `json:"title"`
	Artist string `json:"artist"`
}
