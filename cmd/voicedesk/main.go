package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	_ "github.com/chriscow/voicedesk/pkg/chat/fake"        // registers the fake transport
	_ "github.com/chriscow/voicedesk/pkg/chat/httpsse"     // registers the http transport
	_ "github.com/chriscow/voicedesk/pkg/chat/openai"      // registers the openai transport
	_ "github.com/chriscow/voicedesk/pkg/device/portaudio" // registers portaudio devices
	_ "github.com/chriscow/voicedesk/pkg/device/wavfile"   // registers file-backed devices
	"github.com/chriscow/voicedesk/pkg/plugin"
	"github.com/chriscow/voicedesk/pkg/version"
)

var rootCmd = &cobra.Command{
	Use:   "voicedesk",
	Short: "voicedesk - a hands-free voice assistant session",
	Long: `voicedesk listens on the microphone, sends each utterance to the assistant
backend, plays the spoken reply and lets you interrupt it by talking over it.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Plugin commands",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list [kind]",
	Short: "List registered plugins",
	Long: `List all registered plugins or plugins of a specific kind.
Available kinds: transport, microphone, player`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := ""
		if len(args) > 0 {
			kind = args[0]
		}
		listPlugins(cmd.OutOrStdout(), kind)
		return nil
	},
}

func listPlugins(w io.Writer, kind string) {
	plugins := plugin.List(kind)
	if len(plugins) == 0 {
		if kind == "" {
			fmt.Fprintln(w, "No plugins registered")
		} else {
			fmt.Fprintf(w, "No plugins registered for kind: %s\n", kind)
		}
		return
	}

	fmt.Fprintf(w, "%-12s %-10s %-10s %s\n", "KIND", "NAME", "VERSION", "DESCRIPTION")
	fmt.Fprintln(w, strings.Repeat("-", 72))
	for _, p := range plugins {
		version := p.Version
		if version == "" {
			version = "N/A"
		}
		fmt.Fprintf(w, "%-12s %-10s %-10s %s\n", p.Kind, p.Name, version, p.Description)
	}
}

func setupLogger() *slog.Logger {
	logFormat := os.Getenv("LOG_FORMAT")
	logLevel := os.Getenv("LOG_LEVEL")

	opts := &slog.HandlerOptions{}
	switch logLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	// stdout belongs to the console and the meter
	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "Path to a YAML config file")
	runCmd.Flags().Bool("start", false, "Start listening immediately")

	meterCmd.Flags().StringP("file", "f", "", "WAV file to meter")
	meterCmd.Flags().StringP("config", "c", "", "Path to a YAML config file (level and voice sections)")

	pluginsCmd.AddCommand(pluginsListCmd)
	rootCmd.AddCommand(versionCmd, runCmd, meterCmd, pluginsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
