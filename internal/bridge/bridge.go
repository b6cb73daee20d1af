// Package bridge mirrors a voice session to dashboards over WebSocket and
// lets them drive it. Dashboards send signals (ping, start, stop_send, stop,
// state, text) and receive commands (pong, state, level, text_streaming,
// error).
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/voicedesk/internal/metrics"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/version"
	"github.com/chriscow/voicedesk/pkg/voice"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

// Signal and command type constants
const (
	SignalTypePing     = "ping"
	SignalTypeStart    = "start"
	SignalTypeStopSend = "stop_send"
	SignalTypeStop     = "stop"
	SignalTypeState    = "state"
	SignalTypeText     = "text"

	CommandTypePong          = "pong"
	CommandTypeState         = "state"
	CommandTypeLevel         = "level"
	CommandTypeTextStreaming = "text_streaming"
	CommandTypeError         = "error"
)

var errClientGone = errors.New("client disconnected")

// Controller is the part of the voice session the bridge drives.
type Controller interface {
	StartVoiceRecording(ctx context.Context) error
	StopVoiceRecordingAndSend(ctx context.Context) error
	StopVoiceAssistantCompletely(ctx context.Context) error
	State() voice.State
	IsTextStreaming() bool
}

// TextSender submits a typed message for the bridged conversation.
type TextSender func(ctx context.Context, message string) error

type Config struct {
	Controller Controller
	Text       TextSender       // optional; text signals are rejected without it
	Metrics    *metrics.Metrics // optional; serves /metrics when set
	Logger     *slog.Logger
}

// Hub fans session notifications out to every connected dashboard. It
// implements voice.Observer.
type Hub struct {
	ctrl    Controller
	text    TextSender
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

var _ voice.Observer = (*Hub)(nil)

func New(cfg Config) (*Hub, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		ctrl:    cfg.Controller,
		text:    cfg.Text,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With(slog.String("component", "bridge")),
		clients: make(map[*client]struct{}),
	}, nil
}

// Handler returns the bridge routes.
func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", h.handleHealth)
	r.Get("/ws", h.handleWebSocket)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	return r
}

// Serve listens on addr until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return h.serve(ctx, ln)
}

func (h *Hub) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	h.logger.Info("Bridge listening", slog.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		h.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"state":   h.ctrl.State().String(),
		"clients": h.Clients(),
		"version": version.Get(),
	})
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newClient(conn, h.logger.With(slog.String("remote", r.RemoteAddr)))
	if !h.add(c) {
		conn.Close()
		return
	}
	defer h.remove(c)

	c.logger.Info("Dashboard connected")
	c.send(h.stateCommand(h.ctrl.State()))

	if err := c.run(r.Context(), h.handleSignal); err != nil && !errors.Is(err, errClientGone) {
		c.logger.Warn("Dashboard connection failed", slog.String("error", err.Error()))
		return
	}
	c.logger.Info("Dashboard disconnected")
}

func (h *Hub) handleSignal(ctx context.Context, c *client, signal *Signal) {
	switch signal.Type {
	case SignalTypePing:
		c.send(&Command{Type: CommandTypePong, Data: signal.Data})

	case SignalTypeState:
		c.send(h.stateCommand(h.ctrl.State()))

	case SignalTypeStart:
		h.reply(c, signal, h.ctrl.StartVoiceRecording(ctx))

	case SignalTypeStopSend:
		h.reply(c, signal, h.ctrl.StopVoiceRecordingAndSend(ctx))

	case SignalTypeStop:
		h.reply(c, signal, h.ctrl.StopVoiceAssistantCompletely(ctx))

	case SignalTypeText:
		if h.text == nil {
			h.reply(c, signal, errors.New("text chat is not available"))
			return
		}
		message, _ := signal.Data["message"].(string)
		// Text turns stream for seconds; run them off the read pump so
		// other signals keep flowing.
		go func() {
			h.reply(c, signal, h.text(ctx, message))
		}()

	default:
		c.logger.Warn("Unknown signal type", slog.String("type", signal.Type))
		c.send(&Command{Type: CommandTypeError, Data: map[string]any{
			"signal":  signal.Type,
			"message": "unknown signal",
		}})
	}
}

// reply reports a failed signal to the sender. State changes caused by
// successful signals reach every dashboard through the observer.
func (h *Hub) reply(c *client, signal *Signal, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Warn("Signal failed",
		slog.String("type", signal.Type),
		slog.String("error", err.Error()))
	c.send(&Command{Type: CommandTypeError, Data: map[string]any{
		"signal":  signal.Type,
		"kind":    voiceerr.Classify(err).String(),
		"message": voiceerr.UserMessage(err),
	}})
}

func (h *Hub) stateCommand(s voice.State) *Command {
	return &Command{Type: CommandTypeState, Data: map[string]any{
		"state":          s.String(),
		"active":         s != voice.StateIdle,
		"text_streaming": h.ctrl.IsTextStreaming(),
	}}
}

// StateChanged broadcasts the new state.
func (h *Hub) StateChanged(from, to voice.State) {
	cmd := h.stateCommand(to)
	cmd.Data["from"] = from.String()
	h.broadcast(cmd)
}

// LevelChanged broadcasts the orb feedback for one frame.
func (h *Hub) LevelChanged(value float64, orb level.OrbState) {
	h.broadcast(&Command{Type: CommandTypeLevel, Data: map[string]any{
		"value":    value,
		"scale":    orb.Scale,
		"glow":     orb.Glow,
		"rotation": orb.Rotation,
	}})
}

// TextStreamingChanged broadcasts the text streaming flag.
func (h *Hub) TextStreamingChanged(streaming bool) {
	h.broadcast(&Command{Type: CommandTypeTextStreaming, Data: map[string]any{
		"streaming": streaming,
	}})
}

func (h *Hub) broadcast(cmd *Command) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.send(cmd)
	}
}

// Clients returns the number of connected dashboards.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// close refuses new dashboards. Connected ones end with their request
// contexts when the server shuts down.
func (h *Hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}
