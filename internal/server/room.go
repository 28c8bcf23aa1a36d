package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/syng-dev/syng-go/internal/apperrors"
	"github.com/syng-dev/syng-go/internal/model"
	"github.com/syng-dev/syng-go/internal/protocol"
	"github.com/syng-dev/syng-go/internal/queue"
	"github.com/syng-dev/syng-go/internal/sources"
)

const (
	// roomCodeLength is the starting length of generated room codes; on
	// collision the length grows by one per retry.
	roomCodeLength = 4

	// recentLimit bounds the recent list kept per room.
	recentLimit = 100

	// roomIdleTimeout is how long a room without activity survives before
	// the expiry sweep removes it.
	roomIdleTimeout = 4 * time.Hour
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Room is the authoritative per-room state owned by the relay service. All
// fields besides the queue (which has its own lock) are guarded by mu;
// event handlers lock it for their whole run so they stay mutually atomic.
type Room struct {
	mu sync.Mutex

	Code   string
	Secret string
	Queue  *queue.Queue
	Recent []*model.Entry
	Config protocol.GeneralConfig

	// PlaybackSID is the transport session of the connected playback
	// client, or "" while it is away. The room outlives disconnects so web
	// clients keep seeing it.
	PlaybackSID string

	// Sources maps source name to the server-side instance built from the
	// client's transmitted configuration; SourcesPrio fixes search order.
	Sources     map[string]sources.Source
	SourcesPrio []string

	// playWaiter is set while a goroutine blocks on Queue.Peek on behalf
	// of get-first / pop-then-get-next, so at most one waiter exists.
	playWaiter bool

	lastActivity time.Time
}

func newRoom(code, secret string, cfg protocol.GeneralConfig, entries, recent []*model.Entry) *Room {
	return &Room{
		Code:         code,
		Secret:       secret,
		Queue:        queue.NewFromList(entries),
		Recent:       recent,
		Config:       cfg,
		Sources:      map[string]sources.Source{},
		lastActivity: time.Now(),
	}
}

func (r *Room) touch() {
	r.lastActivity = time.Now()
}

// appendRecent logs a popped entry in play order, dropping the oldest past
// the bound.
func (r *Room) appendRecent(entry *model.Entry) {
	r.Recent = append(r.Recent, entry)
	if len(r.Recent) > recentLimit {
		r.Recent = r.Recent[len(r.Recent)-recentLimit:]
	}
}

// state snapshots the room for a state broadcast. Caller holds r.mu.
func (r *Room) state() protocol.State {
	recent := make([]*model.Entry, len(r.Recent))
	copy(recent, r.Recent)
	return protocol.State{Queue: r.Queue.ToList(), Recent: recent}
}

// checkCutoff applies the end-time guard for a prospective append: the
// projected start of the new entry is max(now, head start) plus the sum of
// every queued entry's duration, the preview gap, and one second of slack.
// Returns a user-visible error when the room's last_song cutoff falls
// before that projection.
func (r *Room) checkCutoff(now time.Time) error {
	if r.Config.LastSong == nil {
		return nil
	}
	base := now
	if head := r.Queue.TryPeek(); head != nil && head.StartedAt != nil && head.StartedAt.After(now) {
		base = *head.StartedAt
	}
	totalSecs := queue.Fold(r.Queue, 0, func(acc int, e *model.Entry) int {
		return acc + e.Duration + r.Config.PreviewDuration + 1
	})
	projected := base.Add(time.Duration(totalSecs) * time.Second)
	if r.Config.LastSong.Before(projected) {
		return apperrors.NewCutoffReached(
			fmt.Sprintf("The song queue ends at %s.", r.Config.LastSong.Local().Format("15:04")),
		)
	}
	return nil
}

// performerQueued reports whether the performer already holds a queued
// entry. Used by the forced waiting-room policy.
func (r *Room) performerQueued(performer string) bool {
	return queue.Fold(r.Queue, false, func(acc bool, e *model.Entry) bool {
		return acc || e.Performer == performer
	})
}

// generateRoomCode draws a fresh code, growing the length on collision.
// Caller holds the service rooms lock.
func generateRoomCode(taken func(string) bool) string {
	length := roomCodeLength
	for {
		code := make([]byte, length)
		for i := range code {
			code[i] = roomCodeAlphabet[rand.Intn(len(roomCodeAlphabet))]
		}
		candidate := string(code)
		if !taken(candidate) {
			return candidate
		}
		length++
	}
}
