package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/config"
	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
	"github.com/syng-dev/syng-go/internal/protocol"
	"github.com/syng-dev/syng-go/internal/sources"
)

const (
	// bufferTimeout bounds a single media download task.
	bufferTimeout = 10 * time.Minute

	// metadataTimeout bounds one get-missing-metadata lookup.
	metadataTimeout = 30 * time.Second
)

// Notifier receives room lifecycle callbacks, e.g. for the GUI overlay. A
// nil Notifier is valid.
type Notifier interface {
	RoomJoined(server, room string)
	QueueChanged(queue []*model.Entry)
	NowPlaying(entry *model.Entry)
	Message(text string)
}

// Coordinator is the playback client: it registers the room, answers the
// relay's config requests, keeps upcoming entries buffered, and plays the
// head entry until told otherwise.
type Coordinator struct {
	log      zerolog.Logger
	cfg      config.Config
	cfgPath  string
	notifier Notifier

	player  *player.Player
	sources map[string]sources.Source
	prio    []string

	conn *Conn
	room string

	mu         sync.Mutex
	registered bool
	current    *model.Entry
	downloaded map[uuid.UUID]bool
	metaDone   map[uuid.UUID]bool

	bufSem *semaphore.Weighted
	wg     sync.WaitGroup
}

// New builds a coordinator from the loaded configuration. cfgPath is where
// a server-assigned room code is saved back to; "" disables the save.
func New(cfg config.Config, cfgPath string, registry *sources.Registry, notifier Notifier) (*Coordinator, error) {
	p := player.New("")

	// Sources come up in name order so search priority is stable across
	// runs.
	names := make([]string, 0, len(cfg.Sources))
	for name := range cfg.Sources {
		names = append(names, name)
	}
	sort.Strings(names)

	srcs := map[string]sources.Source{}
	for _, name := range names {
		src, ok := registry.Create(name, p)
		if !ok {
			return nil, apperrors.New(apperrors.ErrorCodeConfigInvalid,
				fmt.Sprintf("unknown source %q in configuration", name))
		}
		if err := src.Configure(cfg.Sources[name]); err != nil {
			return nil, fmt.Errorf("configure source %s: %w", name, err)
		}
		srcs[name] = src
	}
	if len(srcs) == 0 {
		return nil, apperrors.New(apperrors.ErrorCodeConfigInvalid, "no sources configured")
	}

	return &Coordinator{
		log:      logging.WithComponent("coordinator"),
		cfg:      cfg,
		cfgPath:  cfgPath,
		notifier: notifier,
		player:     p,
		sources:    srcs,
		prio:       names,
		downloaded: map[uuid.UUID]bool{},
		metaDone:   map[uuid.UUID]bool{},
		bufSem:     semaphore.NewWeighted(int64(cfg.General.BufferInAdvance)),
	}, nil
}

// Registered reports whether this coordinator completed a registration on
// its current or a previous connection.
func (c *Coordinator) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// Run connects to the relay and processes events until the context ends or
// the connection drops. Registration failure is terminal; transport errors
// are returned for the caller to retry.
func (c *Coordinator) Run(ctx context.Context) error {
	conn, err := Dial(ctx, c.cfg.General.Server)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeTransport, "connect to server", err)
	}
	c.conn = conn
	defer c.shutdown()

	reg := protocol.RegisterClient{
		Room:    c.cfg.General.Room,
		Secret:  c.cfg.General.Secret,
		Key:     c.cfg.General.Key,
		Queue:   []*model.Entry{},
		Recent:  []*model.Entry{},
		Config:  c.generalConfig(),
		Version: model.CurrentVersion(),
	}
	if err := conn.Send(protocol.EventRegisterClient, reg); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		env, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return apperrors.Wrap(apperrors.ErrorCodeTransport, "connection lost", err)
		}
		if err := c.handle(ctx, env); err != nil {
			return err
		}
	}
}

func (c *Coordinator) generalConfig() protocol.GeneralConfig {
	g := c.cfg.General
	return protocol.GeneralConfig{
		PreviewDuration:   g.PreviewDuration,
		LastSong:          g.LastSong,
		WaitingRoomPolicy: string(g.WaitingRoomPolicy),
		BufferInAdvance:   g.BufferInAdvance,
		AllowCollabMode:   g.AllowCollabMode,
		AllowMoveToHead:   g.AllowMoveToHead,
	}
}

func (c *Coordinator) handle(ctx context.Context, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventClientRegistered:
		var p protocol.ClientRegistered
		if err := decode(env, &p); err != nil {
			return err
		}
		return c.onRegistered(p)
	case protocol.EventRequestConfig:
		var p protocol.RequestConfig
		if err := decode(env, &p); err != nil {
			return err
		}
		return c.sendSourceConfig(p.Source)
	case protocol.EventState:
		var p protocol.State
		if err := decode(env, &p); err != nil {
			return err
		}
		c.onState(ctx, p)
	case protocol.EventBuffer:
		entry := &model.Entry{}
		if err := decode(env, entry); err != nil {
			return err
		}
		c.startMetadata(ctx, entry)
	case protocol.EventPlay:
		entry := &model.Entry{}
		if err := decode(env, entry); err != nil {
			return err
		}
		c.startPlay(ctx, entry)
	case protocol.EventSkipCurrent:
		c.skipCurrent()
	case protocol.EventMsg:
		var p protocol.Msg
		if err := decode(env, &p); err != nil {
			return err
		}
		c.log.Info().Str("msg", p.Msg).Msg("server message")
		if c.notifier != nil {
			c.notifier.Message(p.Msg)
		}
	default:
		c.log.Warn().Str("event", env.Event).Msg("unknown event dropped")
	}
	return nil
}

func decode(env protocol.Envelope, into any) error {
	if err := protocol.DecodeData(env, into); err != nil {
		return apperrors.Wrap(apperrors.ErrorCodeProtocol, "decode "+env.Event, err)
	}
	return nil
}

func (c *Coordinator) onRegistered(p protocol.ClientRegistered) error {
	if !p.Success {
		return apperrors.New(apperrors.ErrorCodeAuth, "server refused registration")
	}
	c.room = p.Room
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	c.log.Info().Str("room", c.room).Msg("registered")
	if c.notifier != nil {
		c.notifier.RoomJoined(c.cfg.General.Server, c.room)
	}

	// Persist a server-assigned room code so the next start reclaims the
	// same room.
	if c.cfgPath != "" && c.cfg.General.Room != c.room {
		c.cfg.General.Room = c.room
		if err := config.Save(c.cfgPath, c.cfg); err != nil {
			c.log.Warn().Err(err).Msg("could not save room code to config")
		}
	}

	if err := c.conn.Send(protocol.EventSources, protocol.Sources{Sources: c.prio}); err != nil {
		return err
	}
	return c.conn.Send(protocol.EventGetFirst, nil)
}

// sendSourceConfig transmits one source's configuration, chunked when the
// source says so.
func (c *Coordinator) sendSourceConfig(name string) error {
	src, ok := c.sources[name]
	if !ok {
		c.log.Warn().Str("source", name).Msg("config requested for unknown source")
		return nil
	}
	chunks := src.GetConfig()
	if len(chunks) == 1 {
		return c.conn.Send(protocol.EventConfig, protocol.SourceConfig{Source: name, Config: chunks[0]})
	}
	for i, chunk := range chunks {
		err := c.conn.Send(protocol.EventConfigChunk, protocol.SourceConfigChunk{
			Source: name,
			Config: chunk,
			Number: i + 1,
			Total:  len(chunks),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// onState downloads ahead: the first buffer_in_advance entries of the queue
// get a media download task each. Entries further back wait until the queue
// advances far enough; metadata for them already flowed at append time.
func (c *Coordinator) onState(ctx context.Context, p protocol.State) {
	if c.notifier != nil {
		c.notifier.QueueChanged(p.Queue)
	}
	ahead := c.cfg.General.BufferInAdvance
	for i, entry := range p.Queue {
		if i >= ahead {
			break
		}
		c.startDownload(ctx, entry)
	}
}

// startMetadata answers a buffer event: look up the entry's missing
// metadata and report it right away, so durations reach the server while
// the song is still far from the head. No media is downloaded here.
func (c *Coordinator) startMetadata(ctx context.Context, entry *model.Entry) {
	src, ok := c.sources[entry.Source]
	if !ok {
		c.log.Warn().Str("source", entry.Source).Msg("buffer for unknown source dropped")
		return
	}

	c.mu.Lock()
	if c.metaDone[entry.UUID] {
		c.mu.Unlock()
		return
	}
	c.metaDone[entry.UUID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		metaCtx, cancel := context.WithTimeout(ctx, metadataTimeout)
		defer cancel()
		meta, err := src.GetMissingMetadata(metaCtx, entry)
		if err != nil {
			c.log.Warn().Err(err).Str("id", entry.ID).Msg("metadata lookup failed")
			return
		}
		c.sendMetaInfo(entry, meta)
	}()
}

// startDownload launches one media download task per entry; repeats are
// no-ops. Concurrency is bounded by the semaphore so a burst of state
// events does not saturate the link. A failure marks the entry failed and
// tells the relay, so web clients see the broken entry.
func (c *Coordinator) startDownload(ctx context.Context, entry *model.Entry) {
	src, ok := c.sources[entry.Source]
	if !ok {
		c.log.Warn().Str("source", entry.Source).Msg("download for unknown source dropped")
		return
	}

	c.mu.Lock()
	if c.downloaded[entry.UUID] {
		c.mu.Unlock()
		return
	}
	c.downloaded[entry.UUID] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.bufSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer c.bufSem.Release(1)

		bufCtx, cancel := context.WithTimeout(ctx, bufferTimeout)
		defer cancel()
		if err := src.Buffer(bufCtx, entry); err != nil {
			if errors.Is(err, apperrors.ErrBufferCancelled) || bufCtx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Str("source", entry.Source).Str("id", entry.ID).Msg("buffering failed")
			entry.Failed = true
			c.sendMetaInfo(entry, protocol.EntryMeta{Failed: true})
		}
	}()
}

func (c *Coordinator) sendMetaInfo(entry *model.Entry, meta protocol.EntryMeta) {
	err := c.conn.Send(protocol.EventMetaInfo, protocol.MetaInfo{UUID: entry.UUID.String(), Meta: meta})
	if err != nil {
		c.log.Warn().Err(err).Msg("meta-info send failed")
	}
}

// startPlay runs playback on its own goroutine so the read loop keeps
// processing skip-current while a song is on screen. When the song ends,
// for whatever reason, the head is popped and the next one requested.
func (c *Coordinator) startPlay(ctx context.Context, entry *model.Entry) {
	src, ok := c.sources[entry.Source]
	if !ok {
		c.log.Error().Str("source", entry.Source).Msg("play for unknown source; popping")
		_ = c.conn.Send(protocol.EventPopThenGetNext, nil)
		return
	}

	c.mu.Lock()
	c.current = entry
	c.mu.Unlock()
	if c.notifier != nil {
		// The venue screen shows the pre-roll card through the preview gap.
		c.notifier.NowPlaying(entry)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if gap := c.cfg.General.PreviewDuration; gap > 0 {
			select {
			case <-time.After(time.Duration(gap) * time.Second):
			case <-ctx.Done():
				return
			}
		}

		if err := src.Play(ctx, entry); err != nil {
			c.log.Error().Err(err).Str("id", entry.ID).Msg("playback failed")
		}

		c.mu.Lock()
		c.current = nil
		delete(c.downloaded, entry.UUID)
		delete(c.metaDone, entry.UUID)
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := c.conn.Send(protocol.EventPopThenGetNext, nil); err != nil {
			c.log.Warn().Err(err).Msg("pop-then-get-next send failed")
		}
	}()
}

func (c *Coordinator) skipCurrent() {
	c.mu.Lock()
	entry := c.current
	c.mu.Unlock()
	if entry == nil {
		c.log.Debug().Msg("skip-current with nothing playing")
		return
	}
	if src, ok := c.sources[entry.Source]; ok {
		c.log.Info().Str("id", entry.ID).Msg("skipping current song")
		src.SkipCurrent(entry)
	}
}

func (c *Coordinator) shutdown() {
	c.player.Terminate()
	for name, src := range c.sources {
		if err := src.Close(); err != nil {
			c.log.Warn().Err(err).Str("source", name).Msg("source close failed")
		}
	}
	c.conn.Close()
	c.wg.Wait()
}
