// Package client implements the playback coordinator: it connects a venue
// machine to the relay, keeps sources buffering ahead, and drives the
// player through the queue.
package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/syng-dev/syng-go/internal/logging"
	"github.com/syng-dev/syng-go/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Conn is the websocket leg to the relay. Writes are serialized; reads run
// on the caller's loop via Receive.
type Conn struct {
	log zerolog.Logger

	writeMu sync.Mutex
	ws      *websocket.Conn
}

// Dial connects to the relay's /ws endpoint. server accepts http(s) or
// ws(s) URLs; http schemes are rewritten.
func Dial(ctx context.Context, server string) (*Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	ws.SetPingHandler(func(appData string) error {
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	return &Conn{log: logging.WithComponent("conn"), ws: ws}, nil
}

// Send marshals payload into an envelope and writes it.
func (c *Conn) Send(event string, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// Receive blocks for the next envelope.
func (c *Conn) Receive() (protocol.Envelope, error) {
	var env protocol.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return protocol.Envelope{}, err
	}
	return env, nil
}

// Close shuts the socket down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	return c.ws.Close()
}
