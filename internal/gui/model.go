// Package gui renders the venue screen shell: the join QR code, the queue,
// and the next-up card, as a terminal UI around the playback coordinator.
package gui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/syng-dev/syng-go/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	codeStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11")).
			Padding(0, 1).Border(lipgloss.RoundedBorder())
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	playStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	nextUpStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("11"))
)

// RoomMsg announces a successful registration.
type RoomMsg struct {
	Server string
	Room   string
	QR     string
}

// QueueMsg carries the latest queue snapshot.
type QueueMsg struct {
	Queue []*model.Entry
}

// NoticeMsg shows a transient server message.
type NoticeMsg struct {
	Text string
}

// PlayingMsg announces the entry about to play; the pre-roll card names it
// for the preview gap.
type PlayingMsg struct {
	Entry *model.Entry
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Model is the bubbletea state of the venue screen.
type Model struct {
	server string
	room   string
	qr     string

	queue  []*model.Entry
	notice string

	// nextUpTime is how many seconds before the current song ends the
	// next-up card appears; previewDuration is how long the pre-roll card
	// stays up once a song starts.
	nextUpTime      int
	previewDuration int
	playing         *model.Entry
	playingAt       time.Time
	now             time.Time

	width  int
	height int
}

// NewModel creates the venue screen model.
func NewModel(nextUpTime, previewDuration int) Model {
	return Model{nextUpTime: nextUpTime, previewDuration: previewDuration, now: time.Now()}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case RoomMsg:
		m.server = msg.Server
		m.room = msg.Room
		m.qr = msg.QR
	case QueueMsg:
		m.queue = msg.Queue
	case NoticeMsg:
		m.notice = msg.Text
	case PlayingMsg:
		m.playing = msg.Entry
		m.playingAt = m.now
	case tickMsg:
		m.now = time.Time(msg)
		return m, tick()
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Syng"))
	b.WriteString("\n")

	if m.room == "" {
		b.WriteString(dimStyle.Render("Connecting..."))
		b.WriteString("\n")
	} else {
		join := codeStyle.Render(m.room) + "\n" + dimStyle.Render(m.server+"/"+m.room)
		if m.qr != "" {
			join = lipgloss.JoinHorizontal(lipgloss.Center, m.qr, "  ", join)
		}
		b.WriteString(join)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.renderQueue())

	if card := m.renderPreview(); card != "" {
		b.WriteString("\n")
		b.WriteString(card)
	}

	if card := m.renderNextUp(); card != "" {
		b.WriteString("\n")
		b.WriteString(card)
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(m.notice))
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q: quit"))
	return b.String()
}

func (m Model) renderQueue() string {
	if len(m.queue) == 0 {
		return dimStyle.Render("The queue is empty. Scan the code to add a song!") + "\n"
	}
	var b strings.Builder
	for i, e := range m.queue {
		if i >= 10 {
			b.WriteString(dimStyle.Render(fmt.Sprintf("  ... and %d more", len(m.queue)-i)))
			b.WriteString("\n")
			break
		}
		line := fmt.Sprintf("%2d. %s", i+1, entryLabel(e))
		if e.Performer != "" {
			line += dimStyle.Render("  (" + e.Performer + ")")
		}
		if i == 0 && e.Started() {
			line = playStyle.Render("▶ ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// renderPreview shows the pre-roll card while the preview gap runs, naming
// the song and who sings it.
func (m Model) renderPreview() string {
	if m.playing == nil || m.previewDuration <= 0 {
		return ""
	}
	if m.now.Sub(m.playingAt) > time.Duration(m.previewDuration)*time.Second {
		return ""
	}
	text := "Now playing: " + entryLabel(m.playing)
	if m.playing.Performer != "" {
		text += "\nOn the mic: " + m.playing.Performer
	}
	return nextUpStyle.Render(text)
}

// renderNextUp shows the upcoming entry shortly before the current song
// ends, so the next performer can get ready.
func (m Model) renderNextUp() string {
	if len(m.queue) < 2 || m.nextUpTime <= 0 {
		return ""
	}
	head := m.queue[0]
	if !head.Started() || head.Duration <= 0 {
		return ""
	}
	remaining := head.Duration - int(m.now.Sub(*head.StartedAt).Seconds())
	if remaining < 0 || remaining > m.nextUpTime {
		return ""
	}
	next := m.queue[1]
	text := "Next up: " + entryLabel(next)
	if next.Performer != "" {
		text += " — get ready, " + next.Performer + "!"
	}
	return nextUpStyle.Render(text)
}

func entryLabel(e *model.Entry) string {
	switch {
	case e.Artist != "" && e.Title != "":
		return e.Artist + " - " + e.Title
	case e.Title != "":
		return e.Title
	default:
		return e.ID
	}
}
