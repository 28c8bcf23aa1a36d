package sources

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/player"
)

// dlFilesEntry tracks one buffered (or buffering) entry id. The in-memory
// complete flag is the source of truth for readiness; partial files on disk
// are never trusted after a restart.
type dlFilesEntry struct {
	readyOnce sync.Once
	ready     chan struct{}

	videoPath string
	audioPath string
	buffering bool
	complete  bool
	failed    bool
	cancel    context.CancelFunc
}

func newDLFilesEntry() *dlFilesEntry {
	return &dlFilesEntry{ready: make(chan struct{})}
}

// signalReady fires the one-shot ready event. Covers success, failure and
// skip paths alike.
func (d *dlFilesEntry) signalReady() {
	d.readyOnce.Do(func() { close(d.ready) })
}

// fetchFunc downloads or prepares media for an entry and returns the local
// paths. audioPath is empty for media with muxed audio.
type fetchFunc func(ctx context.Context, entry *model.Entry) (videoPath, audioPath string, err error)

// cleanupFunc drops a cached artifact after a failed or skipped entry.
type cleanupFunc func(videoPath, audioPath string)

// base provides the buffering and playback machinery shared by all
// sources: the downloaded-files table, the master lock that keeps two
// Buffer calls for one entry from racing into two downloads, and the
// single shared player handle.
type base struct {
	name   string
	player *player.Player
	log    zerolog.Logger

	fetch   fetchFunc
	cleanup cleanupFunc

	master sync.Mutex
	files  map[string]*dlFilesEntry
}

func newBase(name string, p *player.Player, fetch fetchFunc, cleanup cleanupFunc) *base {
	return &base{
		name:    name,
		player:  p,
		log:     logging.WithComponent("source." + name),
		fetch:   fetch,
		cleanup: cleanup,
		files:   map[string]*dlFilesEntry{},
	}
}

func (b *base) Name() string { return b.name }

// Buffer prepares the entry's media. The first caller for an entry id
// starts the download task; every later caller waits on the same ready
// event. Blocks until ready or ctx is done.
func (b *base) Buffer(ctx context.Context, entry *model.Entry) error {
	b.master.Lock()
	d, ok := b.files[entry.ID]
	if !ok {
		d = newDLFilesEntry()
		d.buffering = true
		taskCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		b.files[entry.ID] = d
		go b.runBufferTask(taskCtx, entry, d)
	}
	b.master.Unlock()

	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Ready may have been fired early by a skip while the task is still
	// winding down, so the flags need the lock.
	b.master.Lock()
	failed := d.failed
	b.master.Unlock()
	if failed {
		return apperrors.Wrap(apperrors.ErrorCodeBufferFailed, "buffering failed for "+entry.ID, nil)
	}
	return nil
}

// runBufferTask is the single download task for one entry id.
func (b *base) runBufferTask(ctx context.Context, entry *model.Entry, d *dlFilesEntry) {
	video, audio, err := b.fetch(ctx, entry)

	b.master.Lock()
	d.buffering = false
	if err != nil {
		d.failed = true
		if ctx.Err() != nil {
			b.log.Debug().Str("id", entry.ID).Msg("buffer task cancelled")
		} else {
			b.log.Error().Err(err).Str("id", entry.ID).Msg("buffer task failed")
		}
	} else {
		d.videoPath = video
		d.audioPath = audio
		d.complete = true
	}
	b.master.Unlock()

	d.signalReady()
}

// Play waits for the entry to be ready and runs the player until it exits.
// Failed or skipped entries return immediately, dropping the cached
// artifact so a re-append starts fresh.
func (b *base) Play(ctx context.Context, entry *model.Entry) error {
	if err := b.Buffer(ctx, entry); err != nil && ctx.Err() != nil {
		return err
	}

	b.master.Lock()
	d := b.files[entry.ID]
	if d == nil || d.failed || entry.Skip {
		if d != nil {
			delete(b.files, entry.ID)
			if b.cleanup != nil && d.complete {
				b.cleanup(d.videoPath, d.audioPath)
			}
		}
		b.master.Unlock()
		return nil
	}
	video, audio := d.videoPath, d.audioPath
	b.master.Unlock()

	return b.player.Play(ctx, video, audio)
}

// SkipCurrent marks the entry skipped, cancels its buffer task, fires ready
// so waiters unblock, and terminates the player.
func (b *base) SkipCurrent(entry *model.Entry) {
	// Skip is read by Play under the same lock; the read loop and the play
	// goroutine touch it concurrently.
	b.master.Lock()
	entry.Skip = true
	d := b.files[entry.ID]
	b.master.Unlock()

	if d != nil {
		if d.cancel != nil {
			d.cancel()
		}
		d.signalReady()
	}
	if b.player != nil {
		b.player.Terminate()
	}
}

// Shutdown cancels all in-flight buffer tasks. Called on client exit.
func (b *base) Shutdown() {
	b.master.Lock()
	defer b.master.Unlock()
	for _, d := range b.files {
		if d.cancel != nil {
			d.cancel()
		}
		d.signalReady()
	}
}

// paths returns the buffered media paths for tests and diagnostics.
func (b *base) paths(id string) (video, audio string, complete bool) {
	b.master.Lock()
	defer b.master.Unlock()
	d := b.files[id]
	if d == nil {
		return "", "", false
	}
	return d.videoPath, d.audioPath, d.complete
}
