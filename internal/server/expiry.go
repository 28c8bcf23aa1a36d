package server

import (
	"time"

	"github.com/robfig/cron/v3"
)

// expirySchedule is how often the idle-room sweep runs.
const expirySchedule = "@every 10m"

// StartExpiry launches the periodic sweep that removes rooms idle longer
// than roomIdleTimeout. Returns a stop function.
func (s *Service) StartExpiry() (stop func()) {
	c := cron.New()
	_, err := c.AddFunc(expirySchedule, s.sweepExpired)
	if err != nil {
		// The schedule is a constant; a parse failure is a programming error.
		panic(err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }
}

func (s *Service) sweepExpired() {
	cutoff := time.Now().Add(-roomIdleTimeout)

	s.mu.Lock()
	expired := []*Room{}
	for _, room := range s.rooms {
		room.mu.Lock()
		if room.lastActivity.Before(cutoff) {
			expired = append(expired, room)
		}
		room.mu.Unlock()
	}
	s.mu.Unlock()

	for _, room := range expired {
		s.log.Info().Str("room", room.Code).Msg("removing idle room")
		s.removeRoom(room)
	}
}
