package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
	"github.com/syng-dev/syng-go/internal/protocol"
	"github.com/syng-dev/syng-go/internal/sources"
)

// fakeSource is an in-memory source for relay tests.
type fakeSource struct {
	cfg map[string]any
}

func (f *fakeSource) Name() string                     { return "fake" }
func (f *fakeSource) Configure(cfg map[string]any) error {
	f.cfg = cfg
	return nil
}

func (f *fakeSource) Search(_ context.Context, query string) ([]model.Result, error) {
	return sources.RankResults([]model.Result{
		{ID: "1", Source: "fake", Title: "Dancing Queen", Artist: "ABBA"},
		{ID: "2", Source: "fake", Title: "Africa", Artist: "Toto"},
	}, query), nil
}

func (f *fakeSource) Resolve(_ context.Context, performer, id string) (*model.Entry, error) {
	entry := model.NewEntry("fake", id, performer)
	entry.Title = "Song " + id
	entry.Duration = 180
	return entry, nil
}

func (f *fakeSource) GetMissingMetadata(context.Context, *model.Entry) (protocol.EntryMeta, error) {
	return protocol.EntryMeta{}, nil
}
func (f *fakeSource) Buffer(context.Context, *model.Entry) error { return nil }
func (f *fakeSource) Play(context.Context, *model.Entry) error   { return nil }
func (f *fakeSource) SkipCurrent(*model.Entry)                   {}
func (f *fakeSource) GetConfig() []map[string]any                { return []map[string]any{f.cfg} }
func (f *fakeSource) AddToConfig(map[string]any) error           { return nil }
func (f *fakeSource) Close() error                               { return nil }

func newTestServer(t *testing.T, keySecret []byte) (*Service, *httptest.Server) {
	t.Helper()
	reg := sources.NewRegistry()
	reg.Register("fake", func(*player.Player) sources.Source { return &fakeSource{} })
	svc := NewService(reg, keySecret)
	ts := httptest.NewServer(NewHandler(svc, ""))
	t.Cleanup(ts.Close)
	return svc, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(env))
}

// readUntil reads frames until the named event arrives and decodes its data
// into target (which may be nil). Unrelated broadcasts in between are
// skipped.
func readUntil(t *testing.T, conn *websocket.Conn, event string, target any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env protocol.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if target != nil {
			require.NoError(t, json.Unmarshal(env.Data, target))
		}
		return
	}
}

func registerPlayback(t *testing.T, conn *websocket.Conn, reg protocol.RegisterClient) string {
	t.Helper()
	if reg.Version == (model.Version{}) {
		reg.Version = model.CurrentVersion()
	}
	send(t, conn, protocol.EventRegisterClient, reg)

	var reply protocol.ClientRegistered
	readUntil(t, conn, protocol.EventClientRegistered, &reply)
	require.True(t, reply.Success)

	// Advertise the fake source and answer the config request.
	send(t, conn, protocol.EventSources, protocol.Sources{Sources: []string{"fake"}})
	var req protocol.RequestConfig
	readUntil(t, conn, protocol.EventRequestConfig, &req)
	require.Equal(t, "fake", req.Source)
	send(t, conn, protocol.EventConfig, protocol.SourceConfig{Source: "fake", Config: map[string]any{}})

	return reply.Room
}

func registerWeb(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	send(t, conn, protocol.EventRegisterWeb, protocol.RegisterWeb{Room: room})
	var reply protocol.RegisterWebReply
	readUntil(t, conn, protocol.EventClientRegistered, &reply)
	require.True(t, reply.Success)
}

func TestRegisterClientAssignsRoomCode(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	send(t, conn, protocol.EventRegisterClient, protocol.RegisterClient{
		Secret:  "s",
		Version: model.CurrentVersion(),
	})
	var reply protocol.ClientRegistered
	readUntil(t, conn, protocol.EventClientRegistered, &reply)
	require.True(t, reply.Success)
	require.Regexp(t, "^[A-Za-z]{4}$", reply.Room)
}

func TestRegisterClientRefusesVersionMismatch(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	send(t, conn, protocol.EventRegisterClient, protocol.RegisterClient{
		Secret:  "s",
		Version: model.Version{Major: model.VersionMajor + 1},
	})
	var reply protocol.ClientRegistered
	readUntil(t, conn, protocol.EventClientRegistered, &reply)
	require.False(t, reply.Success)
}

func TestRegisterClientRefusesWrongSecretOnReclaim(t *testing.T) {
	_, ts := newTestServer(t, nil)

	first := dialWS(t, ts)
	room := registerPlayback(t, first, protocol.RegisterClient{Secret: "right"})

	second := dialWS(t, ts)
	send(t, second, protocol.EventRegisterClient, protocol.RegisterClient{
		Room:    room,
		Secret:  "wrong",
		Version: model.CurrentVersion(),
	})
	var reply protocol.ClientRegistered
	readUntil(t, second, protocol.EventClientRegistered, &reply)
	require.False(t, reply.Success)
}

func TestRegisterClientRequiresKeyOnRestrictedServer(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	_, ts := newTestServer(t, secret)

	noKey := dialWS(t, ts)
	send(t, noKey, protocol.EventRegisterClient, protocol.RegisterClient{
		Secret:  "s",
		Version: model.CurrentVersion(),
	})
	var reply protocol.ClientRegistered
	readUntil(t, noKey, protocol.EventClientRegistered, &reply)
	require.False(t, reply.Success)

	key, err := GenerateRegistrationKey(secret, "alice", time.Time{})
	require.NoError(t, err)
	withKey := dialWS(t, ts)
	send(t, withKey, protocol.EventRegisterClient, protocol.RegisterClient{
		Secret:  "s",
		Key:     key,
		Version: model.CurrentVersion(),
	})
	readUntil(t, withKey, protocol.EventClientRegistered, &reply)
	require.True(t, reply.Success)
}

func TestRegisterWebUnknownRoom(t *testing.T) {
	_, ts := newTestServer(t, nil)
	conn := dialWS(t, ts)

	send(t, conn, protocol.EventRegisterWeb, protocol.RegisterWeb{Room: "ZZZZ"})
	var reply protocol.RegisterWebReply
	readUntil(t, conn, protocol.EventClientRegistered, &reply)
	require.False(t, reply.Success)
}

func TestAppendReachesQueueAndPlaybackClient(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})

	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})

	// The web session observes the new entry via state broadcast.
	var state protocol.State
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) > 0 {
			break
		}
	}
	require.Equal(t, "1", state.Queue[0].ID)
	require.Equal(t, "Alice", state.Queue[0].Performer)
	require.Equal(t, 180, state.Queue[0].Duration)

	// The playback client gets the buffer command.
	var entry model.Entry
	readUntil(t, playback, protocol.EventBuffer, &entry)
	require.Equal(t, "1", entry.ID)
}

func TestGetFirstStampsStartedAt(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	readUntil(t, playback, protocol.EventBuffer, nil)

	send(t, playback, protocol.EventGetFirst, nil)
	var entry model.Entry
	readUntil(t, playback, protocol.EventPlay, &entry)
	require.Equal(t, "1", entry.ID)
	require.NotNil(t, entry.StartedAt)
}

func TestPopThenGetNextAdvancesQueue(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "2", Performer: "Bob"})

	send(t, playback, protocol.EventGetFirst, nil)
	var entry model.Entry
	readUntil(t, playback, protocol.EventPlay, &entry)
	require.Equal(t, "1", entry.ID)

	send(t, playback, protocol.EventPopThenGetNext, nil)
	readUntil(t, playback, protocol.EventPlay, &entry)
	require.Equal(t, "2", entry.ID)

	send(t, playback, protocol.EventGetState, nil)
	var state protocol.State
	readUntil(t, playback, protocol.EventState, &state)
	require.Len(t, state.Queue, 1)
	require.Len(t, state.Recent, 1)
	require.Equal(t, "1", state.Recent[0].ID)
}

func TestAdminGating(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	var state protocol.State
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) > 0 {
			break
		}
	}
	target := state.Queue[0].UUID.String()

	// Non-admin skip is dropped silently.
	send(t, web, protocol.EventSkip, protocol.EntryRef{UUID: target})
	send(t, web, protocol.EventGetState, nil)
	readUntil(t, web, protocol.EventState, &state)
	require.Len(t, state.Queue, 1)

	// Wrong secret does not elevate.
	send(t, web, protocol.EventRegisterAdmin, protocol.RegisterAdmin{Secret: "nope"})
	var adminReply protocol.RegisterAdminReply
	readUntil(t, web, protocol.EventRegisterAdmin, &adminReply)
	require.False(t, adminReply.Success)

	// Right secret elevates, then skip works.
	send(t, web, protocol.EventRegisterAdmin, protocol.RegisterAdmin{Secret: "s"})
	readUntil(t, web, protocol.EventRegisterAdmin, &adminReply)
	require.True(t, adminReply.Success)

	send(t, web, protocol.EventSkip, protocol.EntryRef{UUID: target})
	readUntil(t, web, protocol.EventState, &state)
	require.Empty(t, state.Queue)
}

func TestWaitingRoomForcedPolicy(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{
		Secret: "s",
		Config: protocol.GeneralConfig{WaitingRoomPolicy: "forced"},
	})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	var state protocol.State
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) > 0 {
			break
		}
	}

	// Second append for the same performer is refused with a message.
	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "2", Performer: "Alice"})
	var msg protocol.Msg
	readUntil(t, web, protocol.EventMsg, &msg)
	require.Contains(t, msg.Msg, "Alice")

	// The waiting-room append bypasses the check.
	send(t, web, protocol.EventWaitingRoomAppend, protocol.Append{Source: "fake", ID: "2", Performer: "Alice"})
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) == 2 {
			break
		}
	}
}

func TestAppendRefusedPastCutoff(t *testing.T) {
	_, ts := newTestServer(t, nil)

	cutoff := time.Now().Add(time.Minute)
	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{
		Secret: "s",
		Config: protocol.GeneralConfig{LastSong: &cutoff},
	})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	// 180s song cannot finish before the one-minute cutoff.
	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	var msg protocol.Msg
	readUntil(t, web, protocol.EventMsg, &msg)
	require.Contains(t, msg.Msg, "The song queue ends at")
}

func TestSearchRepliesToRequester(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventSearch, protocol.Search{Query: "africa"})
	var results protocol.SearchResults
	readUntil(t, web, protocol.EventSearchResults, &results)
	require.Len(t, results.Results, 1)
	require.Equal(t, "Africa", results.Results[0].Title)
}

func TestPlaybackEventsRequirePlaybackSession(t *testing.T) {
	svc, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	var state protocol.State
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) > 0 {
			break
		}
	}
	target := state.Queue[0].UUID.String()

	// Queue advancement, metadata, and source config belong to the playback
	// client; a web session emitting them is ignored.
	send(t, web, protocol.EventPopThenGetNext, nil)
	send(t, web, protocol.EventGetFirst, nil)
	send(t, web, protocol.EventMetaInfo, protocol.MetaInfo{UUID: target, Meta: protocol.EntryMeta{Duration: 999}})
	send(t, web, protocol.EventConfig, protocol.SourceConfig{Source: "fake", Config: map[string]any{"marker": "evil"}})

	send(t, web, protocol.EventGetState, nil)
	readUntil(t, web, protocol.EventState, &state)
	require.Len(t, state.Queue, 1)
	require.Empty(t, state.Recent)
	require.Equal(t, 180, state.Queue[0].Duration)
	require.Nil(t, state.Queue[0].StartedAt)

	r := svc.room(room)
	r.mu.Lock()
	installed := r.Sources["fake"].(*fakeSource)
	r.mu.Unlock()
	require.NotContains(t, installed.cfg, "marker")
}

func TestMetaInfoFailedMarksEntry(t *testing.T) {
	_, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventAppend, protocol.Append{Source: "fake", ID: "1", Performer: "Alice"})
	var entry model.Entry
	readUntil(t, playback, protocol.EventBuffer, &entry)

	send(t, playback, protocol.EventMetaInfo, protocol.MetaInfo{
		UUID: entry.UUID.String(),
		Meta: protocol.EntryMeta{Failed: true},
	})

	var state protocol.State
	for {
		readUntil(t, web, protocol.EventState, &state)
		if len(state.Queue) > 0 && state.Queue[0].Failed {
			break
		}
	}
}

func TestRoomSurvivesPlaybackDisconnect(t *testing.T) {
	svc, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	playback.Close()

	require.Eventually(t, func() bool {
		r := svc.room(room)
		if r == nil {
			return false
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.PlaybackSID == ""
	}, 2*time.Second, 10*time.Millisecond)

	// Web clients can still join.
	web := dialWS(t, ts)
	registerWeb(t, web, room)
}

func TestRemoveRoomEvictsMembers(t *testing.T) {
	svc, ts := newTestServer(t, nil)

	playback := dialWS(t, ts)
	room := registerPlayback(t, playback, protocol.RegisterClient{Secret: "s"})
	web := dialWS(t, ts)
	registerWeb(t, web, room)

	send(t, web, protocol.EventRegisterAdmin, protocol.RegisterAdmin{Secret: "s"})
	var adminReply protocol.RegisterAdminReply
	readUntil(t, web, protocol.EventRegisterAdmin, &adminReply)
	require.True(t, adminReply.Success)

	send(t, web, protocol.EventRemoveRoom, nil)

	require.Eventually(t, func() bool {
		return svc.room(room) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The evicted socket is closed by the server.
	require.NoError(t, web.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env protocol.Envelope
		if err := web.ReadJSON(&env); err != nil {
			break
		}
	}
}
