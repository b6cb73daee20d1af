package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chriscow/voicedesk/internal/bridge"
	"github.com/chriscow/voicedesk/internal/config"
	"github.com/chriscow/voicedesk/internal/metrics"
	"github.com/chriscow/voicedesk/pkg/chat"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/plugin"
	"github.com/chriscow/voicedesk/pkg/render"
	"github.com/chriscow/voicedesk/pkg/session"
	"github.com/chriscow/voicedesk/pkg/textchat"
	"github.com/chriscow/voicedesk/pkg/version"
	"github.com/chriscow/voicedesk/pkg/voice"
	"github.com/chriscow/voicedesk/pkg/voiceerr"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the voice assistant",
	Long: `Run the voice assistant with a console on stdin.

Console commands:
  /start   start listening
  /send    stop recording and send what was heard
  /stop    stop the voice assistant
  /state   print the current state
  /quit    exit
Any other line is sent as a text message.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		autoStart, _ := cmd.Flags().GetBool("start")

		logger := setupLogger()
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger.Info("Starting voicedesk",
			slog.String("version", version.Version),
			slog.String("commit", version.GitCommit),
			slog.String("backend", cfg.Backend.Kind),
			slog.String("microphone", cfg.Devices.Microphone),
			slog.String("player", cfg.Devices.Player))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runAssistant(ctx, cfg, autoStart, os.Stdin, cmd.OutOrStdout(), logger)
	},
}

// hubObserver forwards controller notifications to the bridge once it
// exists. hub is set before the controller starts running.
type hubObserver struct {
	hub *bridge.Hub
}

func (o *hubObserver) StateChanged(from, to voice.State) {
	if o.hub != nil {
		o.hub.StateChanged(from, to)
	}
}

func (o *hubObserver) LevelChanged(value float64, orb level.OrbState) {
	if o.hub != nil {
		o.hub.LevelChanged(value, orb)
	}
}

func (o *hubObserver) TextStreamingChanged(streaming bool) {
	if o.hub != nil {
		o.hub.TextStreamingChanged(streaming)
	}
}

func runAssistant(ctx context.Context, cfg config.Config, autoStart bool, in io.Reader, out io.Writer, logger *slog.Logger) error {
	m := metrics.New("voicedesk")

	if cfg.PluginDir != "" {
		if err := plugin.LoadDynamicPlugins(cfg.PluginDir); err != nil {
			return err
		}
	}

	tr, err := plugin.NewTransport(cfg.Backend.Kind, cfg.TransportConfig())
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	mic, err := plugin.NewMicrophone(cfg.Devices.Microphone, cfg.MicrophoneConfig())
	if err != nil {
		return fmt.Errorf("failed to create microphone: %w", err)
	}
	player, err := plugin.NewPlayer(cfg.Devices.Player, nil)
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}

	store := session.NewStore()
	if cfg.Session.StateFile != "" {
		if err := store.Load(cfg.Session.StateFile); err != nil {
			return err
		}
	}
	tab, mode := cfg.Session.Tab, session.Mode(cfg.Session.Mode)
	if err := store.CreateTab(tab); err != nil && !errors.Is(err, session.ErrTabExists) {
		return err
	}
	state, err := store.Get(tab, mode)
	if err != nil {
		return err
	}

	transcript := render.NewTranscript(nil)
	transcript.Restore(state.Snapshot().TranscriptHTML)
	renderer := render.Tee(transcript, render.NewLogRenderer(logger))

	var persist func()
	if path := cfg.Session.StateFile; path != "" {
		persist = func() {
			if err := store.Save(path); err != nil {
				logger.Warn("Failed to save session state", slog.String("error", err.Error()))
			}
		}
	}

	tracker := chat.NewTracker()
	obs := &hubObserver{}

	ctrl, err := voice.New(cfg.VoiceConfig(), voice.Deps{
		Microphone: mic,
		Player:     player,
		Transport:  tr,
		Renderer:   renderer,
		Transcript: transcript,
		Persist:    persist,
		Session:    state,
		Tracker:    tracker,
		Key:        chat.Key{Tab: tab, Mode: string(mode)},
		Logger:     logger,
		Metrics:    m,
		Observer:   obs,
	})
	if err != nil {
		return err
	}

	texts, err := textchat.New(textchat.Deps{
		Transport:  tr,
		Store:      store,
		Renderer:   renderer,
		Transcript: transcript,
		Persist:    persist,
		Tracker:    tracker,
		Flag:       ctrl,
		Logger:     logger,
		Metrics:    m,
	})
	if err != nil {
		return err
	}
	send := func(ctx context.Context, message string) error {
		return texts.Send(ctx, tab, mode, message)
	}

	if cfg.Bridge.Addr != "" {
		hub, err := bridge.New(bridge.Config{Controller: ctrl, Text: send, Metrics: m, Logger: logger})
		if err != nil {
			return err
		}
		obs.hub = hub
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := hub.Serve(ctx, cfg.Bridge.Addr); err != nil {
				logger.Error("Bridge failed", slog.String("error", err.Error()))
			}
		}()
	}

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error {
		c := &console{ctrl: ctrl, send: send, out: out, logger: logger, quit: quit}
		return c.run(gctx, in, autoStart)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if cfg.Session.StateFile != "" {
		state.SetTranscriptHTML(transcript.HTML())
		if serr := store.Save(cfg.Session.StateFile); serr != nil {
			logger.Error("Failed to save session state", slog.String("error", serr.Error()))
			err = errors.Join(err, serr)
		}
	}
	logger.Info("voicedesk stopped")
	return err
}

// console reads commands and text messages line by line.
type console struct {
	ctrl   *voice.Controller
	send   func(context.Context, string) error
	out    io.Writer
	logger *slog.Logger
	quit   context.CancelFunc
}

func (c *console) run(ctx context.Context, in io.Reader, autoStart bool) error {
	if autoStart {
		c.report("/start", c.ctrl.StartVoiceRecording(ctx))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// No more input; keep serving voice and the bridge.
				lines = nil
				continue
			}
			c.handle(ctx, strings.TrimSpace(line))
		}
	}
}

func (c *console) handle(ctx context.Context, line string) {
	switch line {
	case "":
	case "/start":
		c.report(line, c.ctrl.StartVoiceRecording(ctx))
	case "/send":
		c.report(line, c.ctrl.StopVoiceRecordingAndSend(ctx))
	case "/stop":
		c.report(line, c.ctrl.StopVoiceAssistantCompletely(ctx))
	case "/state":
		fmt.Fprintf(c.out, "state: %s\n", c.ctrl.State())
	case "/quit":
		c.quit()
	default:
		if strings.HasPrefix(line, "/") {
			fmt.Fprintf(c.out, "unknown command %s\n", line)
			return
		}
		c.report("text", c.send(ctx, line))
	}
}

func (c *console) report(what string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	c.logger.Warn("Command failed", slog.String("command", what), slog.String("error", err.Error()))
	fmt.Fprintf(c.out, "%s: %s\n", what, voiceerr.UserMessage(err))
}
