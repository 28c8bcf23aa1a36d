// Package protocol defines the named events and JSON payloads exchanged
// between the relay service and its clients. Every frame is an Envelope;
// receivers switch on Event and decode Data into the matching payload type.
// Unknown fields are ignored on decode; unknown events are logged and
// dropped.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/syng-dev/syng-go/internal/model"
)

// Client -> server events.
const (
	EventRegisterClient    = "register-client"
	EventRegisterWeb       = "register-web"
	EventRegisterAdmin     = "register-admin"
	EventSources           = "sources"
	EventConfig            = "config"
	EventConfigChunk       = "config-chunk"
	EventAppend            = "append"
	EventWaitingRoomAppend = "waiting-room-append"
	EventMetaInfo          = "meta-info"
	EventGetState          = "get-state"
	EventGetFirst          = "get-first"
	EventPopThenGetNext    = "pop-then-get-next"
	EventSearch            = "search"
	EventMoveUp            = "move-up"
	EventMoveTo            = "move-to"
	EventSkip              = "skip"
	EventRemoveRoom        = "remove-room"
)

// Server -> client events. EventSkipCurrent travels both ways: admins send
// it to the server, the server forwards it to the playback client.
const (
	EventClientRegistered = "client-registered"
	EventState            = "state"
	EventBuffer           = "buffer"
	EventPlay             = "play"
	EventRequestConfig    = "request-config"
	EventSearchResults    = "search-results"
	EventMsg              = "msg"
	EventSkipCurrent      = "skip-current"
)

// Envelope is the frame put on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an Envelope. A nil payload produces an
// envelope with no data.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = data
	}
	return env, nil
}

// DecodeData unmarshals the envelope's data into a payload value. An empty
// data field leaves the value zero.
func DecodeData(env Envelope, into any) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, into)
}

// GeneralConfig is the room policy subset a playback client registers with
// and the relay stores per room. LastSong travels as an ISO-8601 string or
// null.
type GeneralConfig struct {
	PreviewDuration   int        `json:"preview_duration"`
	LastSong          *time.Time `json:"last_song"`
	WaitingRoomPolicy string     `json:"waiting_room_policy"`
	BufferInAdvance   int        `json:"buffer_in_advance"`
	AllowCollabMode   bool       `json:"allow_collab_mode"`
	AllowMoveToHead   bool       `json:"allow_move_to_head"`
}

// RegisterClient registers (or reclaims) a room for a playback client.
type RegisterClient struct {
	Room    string         `json:"room,omitempty"`
	Secret  string         `json:"secret"`
	Key     string         `json:"key,omitempty"` // registration key on restricted servers
	Queue   []*model.Entry `json:"queue"`
	Recent  []*model.Entry `json:"recent"`
	Config  GeneralConfig  `json:"config"`
	Version model.Version  `json:"version"`
}

// ClientRegistered is the reply to RegisterClient.
type ClientRegistered struct {
	Success bool   `json:"success"`
	Room    string `json:"room"`
}

// RegisterWeb joins a browser session to an existing room.
type RegisterWeb struct {
	Room string `json:"room"`
}

// RegisterWebReply reports whether the room exists.
type RegisterWebReply struct {
	Success bool `json:"success"`
}

// RegisterAdmin elevates a web session given the room secret.
type RegisterAdmin struct {
	Secret string `json:"secret"`
}

// RegisterAdminReply reports whether elevation succeeded.
type RegisterAdminReply struct {
	Success bool `json:"success"`
}

// Sources advertises the playback client's configured source names in
// search-priority order.
type Sources struct {
	Sources []string `json:"sources"`
}

// RequestConfig asks the playback client for one source's configuration.
type RequestConfig struct {
	Source string `json:"source"`
}

// SourceConfig carries a full source configuration blob.
type SourceConfig struct {
	Source string         `json:"source"`
	Config map[string]any `json:"config"`
}

// SourceConfigChunk carries one chunk of an oversized source configuration.
// Chunks are numbered 1..Total and coalesced by the receiver.
type SourceConfigChunk struct {
	Source string         `json:"source"`
	Config map[string]any `json:"config"`
	Number int            `json:"number"`
	Total  int            `json:"total"`
}

// Append enqueues a song for a performer.
type Append struct {
	Source    string `json:"source"`
	ID        string `json:"id"`
	Performer string `json:"performer"`
}

// MetaInfo returns resolved metadata for a queued entry.
type MetaInfo struct {
	UUID string    `json:"uuid"`
	Meta EntryMeta `json:"meta"`
}

// EntryMeta is the partial entry a source fills in after search time.
// Failed reports a buffering failure back to the relay so the room state
// shows the entry as broken.
type EntryMeta struct {
	Duration int    `json:"duration,omitempty"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Album    string `json:"album,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
}

// State is the queue/recent snapshot fanned out to a room.
type State struct {
	Queue  []*model.Entry `json:"queue"`
	Recent []*model.Entry `json:"recent"`
}

// Search runs a query across a room's sources.
type Search struct {
	Query string `json:"query"`
}

// SearchResults concatenates per-source hits in priority order.
type SearchResults struct {
	Results []model.Result `json:"results"`
}

// EntryRef names one queue entry by UUID (move-up, skip).
type EntryRef struct {
	UUID string `json:"uuid"`
}

// MoveTo reinserts an entry at a target index.
type MoveTo struct {
	UUID   string `json:"uuid"`
	Target int    `json:"target"`
}

// Msg is a user-visible notification.
type Msg struct {
	Msg string `json:"msg"`
}
