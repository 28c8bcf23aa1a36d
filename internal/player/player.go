// Package player wraps the external media player (mpv by default) as a
// single process handle with wait and terminate semantics. Process exit is
// the signal to advance the queue; a crash is treated like a normal exit so
// the queue keeps moving.
package player

import (
	"context"
	"os/exec"
	"sync"

	"github.com/syng-dev/syng-go/internal/logging"
)

// DefaultBinary is used when no player binary is configured.
const DefaultBinary = "mpv"

var defaultArgs = []string{"--fullscreen", "--really-quiet"}

// Player launches the external player. It is a single-instance resource:
// Play serializes callers, and Terminate kills whichever process is running.
type Player struct {
	binary    string
	extraArgs []string

	playMu sync.Mutex // serializes Play calls
	mu     sync.Mutex // guards cmd
	cmd    *exec.Cmd
}

// New creates a Player for the given binary. An empty binary selects mpv.
func New(binary string, extraArgs ...string) *Player {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Player{binary: binary, extraArgs: extraArgs}
}

// Play launches the player with the buffered media and blocks until the
// process exits or ctx is cancelled. A non-zero exit (player crash, user
// closing the window) is logged and reported as a normal completion so the
// queue always advances.
func (p *Player) Play(ctx context.Context, videoPath, audioPath string) error {
	p.playMu.Lock()
	defer p.playMu.Unlock()

	args := append([]string{}, defaultArgs...)
	args = append(args, p.extraArgs...)
	args = append(args, videoPath)
	if audioPath != "" {
		args = append(args, "--audio-file="+audioPath)
	}

	cmd := exec.Command(p.binary, args...)
	if err := cmd.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		p.Terminate()
		waitErr = <-done
	}

	p.mu.Lock()
	p.cmd = nil
	p.mu.Unlock()

	if waitErr != nil {
		log := logging.WithComponent("player")
		log.Warn().Err(waitErr).Str("video", videoPath).Msg("player exited abnormally")
	}
	return nil
}

// Terminate kills the running player process, if any. Safe to call from any
// goroutine, including while Play is blocked in Wait.
func (p *Player) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Running reports whether a player process is currently active.
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}
