package gui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/model"
)

// Run starts the venue screen and blocks until it quits.
func Run(nextUpTime, previewDuration int) (*tea.Program, func() error) {
	p := tea.NewProgram(NewModel(nextUpTime, previewDuration), tea.WithAltScreen())
	return p, func() error {
		_, err := p.Run()
		return err
	}
}

// Notifier forwards coordinator callbacks into the running program. It
// satisfies the client's notifier contract.
type Notifier struct {
	program *tea.Program
}

// NewNotifier wraps a program for coordinator callbacks.
func NewNotifier(p *tea.Program) *Notifier {
	return &Notifier{program: p}
}

func (n *Notifier) RoomJoined(server, room string) {
	join := strings.TrimSuffix(server, "/") + "/" + room
	qr, err := qrcode.New(join, qrcode.Medium)
	rendered := ""
	if err != nil {
		log := logging.WithComponent("gui")
		log.Warn().Err(err).Msg("qr code generation failed")
	} else {
		rendered = qr.ToSmallString(false)
	}
	n.program.Send(RoomMsg{Server: server, Room: room, QR: rendered})
}

func (n *Notifier) QueueChanged(queue []*model.Entry) {
	n.program.Send(QueueMsg{Queue: queue})
}

func (n *Notifier) NowPlaying(entry *model.Entry) {
	n.program.Send(PlayingMsg{Entry: entry})
}

func (n *Notifier) Message(text string) {
	n.program.Send(NoticeMsg{Text: text})
}
