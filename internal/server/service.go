package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/syng-dev/syng-go/internal/config"
	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/protocol"
	"github.com/syng-dev/syng-go/internal/sources"
)

// resolveTimeout bounds how long an append may spend resolving a song
// through its source before the requester gets an error.
const resolveTimeout = 30 * time.Second

// Service is the relay: it owns the rooms map, routes events between the
// three client roles, and enforces room policy. One instance serves all
// rooms of a server.
type Service struct {
	log      zerolog.Logger
	registry *sources.Registry
	hub      *Hub

	// keySecret, when non-nil, restricts room registration to clients
	// presenting a valid registration key.
	keySecret []byte

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewService creates the relay service. keySecret of nil means an open
// server.
func NewService(registry *sources.Registry, keySecret []byte) *Service {
	s := &Service{
		log:       logging.WithComponent("relay"),
		registry:  registry,
		keySecret: keySecret,
		rooms:     map[string]*Room{},
	}
	s.hub = NewHub(s)
	return s
}

// Hub exposes the transport layer for HTTP wiring.
func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) room(code string) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[code]
}

func (s *Service) sessionRoom(sess *Session) *Room {
	code := sess.Room()
	if code == "" {
		return nil
	}
	return s.room(code)
}

// HandleEvent routes one inbound envelope. Malformed payloads are protocol
// errors: logged and dropped, never fatal.
func (s *Service) HandleEvent(sess *Session, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventRegisterClient:
		withPayload(s, sess, env, s.handleRegisterClient)
	case protocol.EventRegisterWeb:
		withPayload(s, sess, env, s.handleRegisterWeb)
	case protocol.EventRegisterAdmin:
		withPayload(s, sess, env, s.handleRegisterAdmin)
	case protocol.EventSources:
		withPayload(s, sess, env, s.handleSources)
	case protocol.EventConfig:
		withPayload(s, sess, env, s.handleConfig)
	case protocol.EventConfigChunk:
		withPayload(s, sess, env, s.handleConfigChunk)
	case protocol.EventAppend:
		withPayload(s, sess, env, func(sess *Session, p protocol.Append) {
			s.handleAppend(sess, p, false)
		})
	case protocol.EventWaitingRoomAppend:
		withPayload(s, sess, env, func(sess *Session, p protocol.Append) {
			s.handleAppend(sess, p, true)
		})
	case protocol.EventMetaInfo:
		withPayload(s, sess, env, s.handleMetaInfo)
	case protocol.EventGetState:
		s.handleGetState(sess)
	case protocol.EventGetFirst:
		s.handleGetFirst(sess)
	case protocol.EventPopThenGetNext:
		s.handlePopThenGetNext(sess)
	case protocol.EventSearch:
		withPayload(s, sess, env, s.handleSearch)
	case protocol.EventSkipCurrent:
		s.handleSkipCurrent(sess)
	case protocol.EventMoveUp:
		withPayload(s, sess, env, s.handleMoveUp)
	case protocol.EventMoveTo:
		withPayload(s, sess, env, s.handleMoveTo)
	case protocol.EventSkip:
		withPayload(s, sess, env, s.handleSkip)
	case protocol.EventRemoveRoom:
		s.handleRemoveRoom(sess)
	default:
		s.log.Warn().Str("event", env.Event).Str("sid", sess.ID).Msg("unknown event dropped")
	}
}

// withPayload decodes the envelope data into T and invokes the handler, or
// logs a protocol error.
func withPayload[T any](s *Service, sess *Session, env protocol.Envelope, handler func(*Session, T)) {
	var payload T
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			s.log.Warn().Err(err).Str("event", env.Event).Str("sid", sess.ID).Msg("malformed event dropped")
			return
		}
	}
	handler(sess, payload)
}

// HandleDisconnect clears the playback session pointer when the playback
// client drops; the room itself persists so web clients keep seeing it and
// the next register-client with the matching secret reclaims it.
func (s *Service) HandleDisconnect(sess *Session, roomCode string) {
	if roomCode == "" {
		return
	}
	room := s.room(roomCode)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.PlaybackSID == sess.ID {
		room.PlaybackSID = ""
		s.log.Info().Str("room", room.Code).Msg("playback client disconnected")
	}
}

func (s *Service) handleRegisterClient(sess *Session, p protocol.RegisterClient) {
	reply := func(success bool, roomCode string) {
		s.send(sess, protocol.EventClientRegistered, protocol.ClientRegistered{Success: success, Room: roomCode})
	}

	if !model.CurrentVersion().Compatible(p.Version) {
		s.sendMsg(sess, "Your client speaks an incompatible protocol version. Please update.")
		reply(false, p.Room)
		return
	}
	if s.keySecret != nil {
		if err := VerifyRegistrationKey(s.keySecret, p.Key); err != nil {
			s.log.Warn().Err(err).Str("sid", sess.ID).Msg("registration key rejected")
			s.sendMsg(sess, "This server requires a valid registration key.")
			reply(false, p.Room)
			return
		}
	}

	s.mu.Lock()
	room, exists := s.rooms[p.Room]
	if !exists {
		code := p.Room
		if code == "" {
			code = generateRoomCode(func(c string) bool { _, taken := s.rooms[c]; return taken })
		}
		room = newRoom(code, p.Secret, normalizeConfig(p.Config), p.Queue, p.Recent)
		s.rooms[code] = room
	}
	s.mu.Unlock()

	room.mu.Lock()
	if exists && room.Secret != p.Secret {
		room.mu.Unlock()
		s.log.Warn().Str("room", room.Code).Str("sid", sess.ID).Msg("register-client with wrong secret")
		reply(false, room.Code)
		return
	}
	defer room.mu.Unlock()

	room.PlaybackSID = sess.ID
	if exists {
		// Reclaim: the server-side queue and sources are authoritative;
		// only the config refreshes.
		room.Config = normalizeConfig(p.Config)
	}
	room.touch()
	s.hub.Join(sess, room.Code)
	s.log.Info().Str("room", room.Code).Bool("new", !exists).Msg("playback client registered")

	reply(true, room.Code)
	s.broadcastStateLocked(room)
}

func (s *Service) handleRegisterWeb(sess *Session, p protocol.RegisterWeb) {
	room := s.room(p.Room)
	if room == nil {
		s.send(sess, protocol.EventClientRegistered, protocol.RegisterWebReply{Success: false})
		return
	}
	s.hub.Join(sess, room.Code)
	s.send(sess, protocol.EventClientRegistered, protocol.RegisterWebReply{Success: true})

	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	s.sendState(sess, room)
}

func (s *Service) handleRegisterAdmin(sess *Session, p protocol.RegisterAdmin) {
	room := s.sessionRoom(sess)
	success := room != nil && room.Secret == p.Secret
	sess.setAdmin(success)
	if !success {
		s.log.Warn().Str("sid", sess.ID).Msg("admin registration rejected")
	}
	s.send(sess, protocol.EventRegisterAdmin, protocol.RegisterAdminReply{Success: success})
}

// handleSources diffs the advertised source names against the room's
// installed sources: gone ones are discarded, new ones trigger a
// request-config round trip to the playback client.
func (s *Service) handleSources(sess *Session, p protocol.Sources) {
	room := s.requirePlayback(sess, protocol.EventSources)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()

	advertised := map[string]bool{}
	for _, name := range p.Sources {
		advertised[name] = true
	}
	for name, src := range room.Sources {
		if !advertised[name] {
			_ = src.Close()
			delete(room.Sources, name)
		}
	}
	for _, name := range p.Sources {
		if _, installed := room.Sources[name]; !installed {
			s.sendTo(room.PlaybackSID, protocol.EventRequestConfig, protocol.RequestConfig{Source: name})
		}
	}
	room.SourcesPrio = p.Sources
}

func (s *Service) handleConfig(sess *Session, p protocol.SourceConfig) {
	room := s.requirePlayback(sess, protocol.EventConfig)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	s.installSourceLocked(room, p.Source, p.Config)
}

// handleConfigChunk stream-merges a chunked source config: the first chunk
// initializes the instance, later chunks extend it.
func (s *Service) handleConfigChunk(sess *Session, p protocol.SourceConfigChunk) {
	room := s.requirePlayback(sess, protocol.EventConfigChunk)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	if p.Number <= 1 {
		s.installSourceLocked(room, p.Source, p.Config)
		if p.Number == p.Total {
			s.log.Info().Str("room", room.Code).Str("source", p.Source).Msg("source config installed")
		}
		return
	}
	src, ok := room.Sources[p.Source]
	if !ok {
		s.log.Warn().Str("room", room.Code).Str("source", p.Source).Msg("config chunk for uninitialized source dropped")
		return
	}
	if err := src.AddToConfig(p.Config); err != nil {
		s.log.Error().Err(err).Str("source", p.Source).Msg("config chunk rejected")
		return
	}
	if p.Number == p.Total {
		s.log.Info().Str("room", room.Code).Str("source", p.Source).Int("chunks", p.Total).Msg("source config installed")
	}
}

func (s *Service) installSourceLocked(room *Room, name string, cfg map[string]any) {
	if old, ok := room.Sources[name]; ok {
		_ = old.Close()
		delete(room.Sources, name)
	}
	src, ok := s.registry.Create(name, nil)
	if !ok {
		s.log.Warn().Str("source", name).Msg("unknown source in config")
		return
	}
	if err := src.Configure(cfg); err != nil {
		s.log.Error().Err(err).Str("source", name).Msg("source configuration invalid")
		return
	}
	room.Sources[name] = src
}

func (s *Service) handleGetState(sess *Session) {
	room := s.sessionRoom(sess)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	s.sendState(sess, room)
}

func (s *Service) handleAppend(sess *Session, p protocol.Append, waitingRoomBypass bool) {
	room := s.sessionRoom(sess)
	if room == nil {
		return
	}

	room.mu.Lock()
	src, ok := room.Sources[p.Source]
	room.mu.Unlock()
	if !ok {
		s.sendMsg(sess, "Unknown source: "+p.Source)
		return
	}

	// Resolving may hit the network; the room stays unlocked meanwhile.
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	entry, err := src.Resolve(ctx, p.Performer, p.ID)
	cancel()
	if err != nil {
		s.log.Error().Err(err).Str("source", p.Source).Str("id", p.ID).Msg("resolve failed")
		s.sendMsg(sess, "Could not add that song, sorry.")
		return
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()

	if room.Config.WaitingRoomPolicy == string(config.WaitingRoomForced) && !waitingRoomBypass &&
		room.performerQueued(p.Performer) {
		s.sendMsg(sess, p.Performer+" already has a song in the queue. Hang tight!")
		return
	}
	if err := room.checkCutoff(time.Now()); err != nil {
		s.sendMsg(sess, err.Error())
		return
	}

	room.Queue.Append(entry)
	s.broadcastStateLocked(room)
	s.sendTo(room.PlaybackSID, protocol.EventBuffer, entry)
}

func (s *Service) handleMetaInfo(sess *Session, p protocol.MetaInfo) {
	room := s.requirePlayback(sess, protocol.EventMetaInfo)
	if room == nil {
		return
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		s.log.Warn().Str("uuid", p.UUID).Msg("meta-info with bad uuid dropped")
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	room.Queue.Update(id, func(e *model.Entry) {
		if p.Meta.Duration > 0 {
			e.Duration = p.Meta.Duration
		}
		if p.Meta.Title != "" {
			e.Title = p.Meta.Title
		}
		if p.Meta.Artist != "" {
			e.Artist = p.Meta.Artist
		}
		if p.Meta.Album != "" {
			e.Album = p.Meta.Album
		}
		if p.Meta.Failed {
			e.Failed = true
		}
	})
	s.broadcastStateLocked(room)
}

func (s *Service) handleGetFirst(sess *Session) {
	room := s.requirePlayback(sess, protocol.EventGetFirst)
	if room == nil {
		return
	}
	s.schedulePlay(room, false)
}

// handlePopThenGetNext pops the head into recent, broadcasts, then stamps
// and plays the new head. The double broadcast is deliberate: web clients
// observe the pop and the new head's start as distinct states.
func (s *Service) handlePopThenGetNext(sess *Session) {
	room := s.requirePlayback(sess, protocol.EventPopThenGetNext)
	if room == nil {
		return
	}
	room.mu.Lock()
	if head := room.Queue.TryPeek(); head != nil {
		room.Queue.Remove(head.UUID)
		room.appendRecent(head)
	}
	room.touch()
	s.broadcastStateLocked(room)
	room.mu.Unlock()

	s.schedulePlay(room, true)
}

// schedulePlay arranges for the (possibly future) head entry to be stamped
// and sent to the playback client. The blocking peek runs on its own
// goroutine; the playWaiter flag keeps it to one waiter per room.
func (s *Service) schedulePlay(room *Room, broadcastAfter bool) {
	room.mu.Lock()
	if room.playWaiter {
		room.mu.Unlock()
		return
	}
	room.playWaiter = true
	room.mu.Unlock()

	go func() {
		entry, err := room.Queue.Peek()

		room.mu.Lock()
		defer room.mu.Unlock()
		room.playWaiter = false
		if err != nil {
			return // queue closed, room going away
		}
		entry.MarkStarted(time.Now())
		s.sendTo(room.PlaybackSID, protocol.EventPlay, entry)
		if broadcastAfter {
			s.broadcastStateLocked(room)
		}
	}()
}

func (s *Service) handleSearch(sess *Session, p protocol.Search) {
	room := s.sessionRoom(sess)
	if room == nil {
		return
	}
	room.mu.Lock()
	prio := append([]string{}, room.SourcesPrio...)
	srcs := make([]sources.Source, 0, len(prio))
	names := make([]string, 0, len(prio))
	for _, name := range prio {
		if src, ok := room.Sources[name]; ok {
			srcs = append(srcs, src)
			names = append(names, name)
		}
	}
	room.touch()
	room.mu.Unlock()

	// All sources search concurrently; results concatenate in priority
	// order. A failing source contributes nothing but never sinks the
	// request.
	perSource := make([][]model.Result, len(srcs))
	g, ctx := errgroup.WithContext(context.Background())
	for i, src := range srcs {
		i, src := i, src
		g.Go(func() error {
			results, err := src.Search(ctx, p.Query)
			if err != nil {
				s.log.Warn().Err(err).Str("source", names[i]).Msg("source search failed")
				return nil
			}
			perSource[i] = results
			return nil
		})
	}
	_ = g.Wait()

	combined := []model.Result{}
	for _, results := range perSource {
		combined = append(combined, results...)
	}
	s.send(sess, protocol.EventSearchResults, protocol.SearchResults{Results: combined})
}

func (s *Service) handleSkipCurrent(sess *Session) {
	room := s.requireAdmin(sess, protocol.EventSkipCurrent)
	if room == nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	s.sendTo(room.PlaybackSID, protocol.EventSkipCurrent, nil)
}

func (s *Service) handleMoveUp(sess *Session, p protocol.EntryRef) {
	room := s.requireAdmin(sess, protocol.EventMoveUp)
	if room == nil {
		return
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	room.Queue.MoveUp(id)
	s.broadcastStateLocked(room)
}

func (s *Service) handleMoveTo(sess *Session, p protocol.MoveTo) {
	room := s.requireAdmin(sess, protocol.EventMoveTo)
	if room == nil {
		return
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	if p.Target < 2 && !room.Config.AllowMoveToHead {
		if head := room.Queue.TryPeek(); head != nil && head.Started() {
			s.log.Warn().Str("room", room.Code).Int("target", p.Target).
				Msg("move-to into playing positions refused")
			return
		}
	}
	room.Queue.MoveTo(id, p.Target)
	s.broadcastStateLocked(room)
}

func (s *Service) handleSkip(sess *Session, p protocol.EntryRef) {
	room := s.requireAdmin(sess, protocol.EventSkip)
	if room == nil {
		return
	}
	id, err := uuid.Parse(p.UUID)
	if err != nil {
		return
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	room.touch()
	room.Queue.Remove(id)
	s.broadcastStateLocked(room)
}

func (s *Service) handleRemoveRoom(sess *Session) {
	room := s.requireAdmin(sess, protocol.EventRemoveRoom)
	if room == nil {
		return
	}
	s.removeRoom(room)
}

func (s *Service) removeRoom(room *Room) {
	s.mu.Lock()
	delete(s.rooms, room.Code)
	s.mu.Unlock()

	room.mu.Lock()
	for _, src := range room.Sources {
		_ = src.Close()
	}
	room.Sources = map[string]sources.Source{}
	room.mu.Unlock()

	room.Queue.Close()
	s.hub.EvictRoom(room.Code)
	s.log.Info().Str("room", room.Code).Msg("room removed")
}

// requirePlayback returns the session's room when the session is the room's
// connected playback client. Queue advancement, metadata, and source config
// come only from that session; anything else is dropped with a warning.
func (s *Service) requirePlayback(sess *Session, event string) *Room {
	room := s.sessionRoom(sess)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	ok := room.PlaybackSID == sess.ID
	room.mu.Unlock()
	if !ok {
		s.log.Warn().Str("event", event).Str("sid", sess.ID).Str("room", room.Code).
			Msg("playback event from non-playback session dropped")
		return nil
	}
	return room
}

// requireAdmin returns the session's room when the session is an admin;
// non-admin invocations of gated events are dropped with a warning and no
// error reply.
func (s *Service) requireAdmin(sess *Session, event string) *Room {
	room := s.sessionRoom(sess)
	if room == nil {
		return nil
	}
	if !sess.IsAdmin() {
		s.log.Warn().Str("event", event).Str("sid", sess.ID).Str("room", room.Code).
			Msg("admin event from non-admin session dropped")
		return nil
	}
	return room
}

// send helpers

func (s *Service) send(sess *Session, event string, payload any) {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	if err := sess.Send(env); err != nil {
		s.log.Debug().Err(err).Str("sid", sess.ID).Str("event", event).Msg("send failed")
	}
}

func (s *Service) sendTo(sid string, event string, payload any) {
	if sid == "" {
		return
	}
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	s.hub.SendTo(sid, env)
}

func (s *Service) sendMsg(sess *Session, text string) {
	s.send(sess, protocol.EventMsg, protocol.Msg{Msg: text})
}

func (s *Service) sendState(sess *Session, room *Room) {
	s.send(sess, protocol.EventState, room.state())
}

// broadcastStateLocked fans the room state out to every member. Caller
// holds room.mu, which is what keeps per-room broadcasts ordered.
func (s *Service) broadcastStateLocked(room *Room) {
	env, err := protocol.NewEnvelope(protocol.EventState, room.state())
	if err != nil {
		s.log.Error().Err(err).Msg("encode state failed")
		return
	}
	s.hub.Broadcast(room.Code, env)
}

func normalizeConfig(cfg protocol.GeneralConfig) protocol.GeneralConfig {
	if cfg.BufferInAdvance < 1 {
		cfg.BufferInAdvance = 2
	}
	if cfg.PreviewDuration < 0 {
		cfg.PreviewDuration = 0
	}
	return cfg
}
