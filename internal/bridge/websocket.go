package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// sendBuffer is the per-client command backlog; commands beyond it are dropped.
	sendBuffer = 64
)

// Signal is a message from the dashboard.
type Signal struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Command is a message to the dashboard.
type Command struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bridge listens on loopback by default; dashboards are served from
	// other local origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one connected dashboard.
type client struct {
	conn   *websocket.Conn
	out    chan *Command
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		out:    make(chan *Command, sendBuffer),
		logger: logger,
	}
}

// send queues cmd without blocking. It reports false when the backlog is full.
func (c *client) send(cmd *Command) bool {
	select {
	case c.out <- cmd:
		return true
	default:
		c.logger.Debug("Dropping command for slow client", slog.String("type", cmd.Type))
		return false
	}
}

// run pumps signals in and commands out until either side fails or ctx ends.
func (c *client) run(ctx context.Context, handle func(context.Context, *client, *Signal)) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readSignals(ctx, handle) })
	g.Go(func() error { return c.writeCommands(ctx) })
	// Unblocks ReadJSON once the group is done.
	g.Go(func() error {
		<-ctx.Done()
		c.conn.Close()
		return nil
	})
	return g.Wait()
}

func (c *client) readSignals(ctx context.Context, handle func(context.Context, *client, *Signal)) error {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var signal Signal
		if err := c.conn.ReadJSON(&signal); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errClientGone
			}
			return fmt.Errorf("failed to read signal: %w", err)
		}
		c.logger.Debug("Received signal", slog.String("type", signal.Type))
		handle(ctx, c, &signal)
	}
}

func (c *client) writeCommands(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case cmd := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(cmd); err != nil {
				return fmt.Errorf("failed to write command: %w", err)
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("failed to ping: %w", err)
			}
		}
	}
}
