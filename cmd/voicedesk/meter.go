package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/voicedesk/internal/config"
	"github.com/chriscow/voicedesk/pkg/device/wavfile"
	"github.com/chriscow/voicedesk/pkg/level"
	"github.com/chriscow/voicedesk/pkg/speech"
)

const meterWidth = 40

var meterCmd = &cobra.Command{
	Use:   "meter",
	Short: "Show the input level and speech decisions for a WAV file",
	Long: `meter replays a WAV file in real time through the same level analyzer and
speech detector the assistant uses, printing one bar per frame. Use it to tune
the level and voice thresholds.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		configPath, _ := cmd.Flags().GetString("config")
		if path == "" {
			return fmt.Errorf("--file is required")
		}

		setupLogger()
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mic, err := wavfile.NewMicrophone(path)
		if err != nil {
			return err
		}
		_, err = runMeter(ctx, mic, cfg, cmd.OutOrStdout())
		return err
	},
}

// meterResult summarises a metered file.
type meterResult struct {
	Frames     int
	Utterances int
	Peak       float64
}

// runMeter samples mic once per frame interval until the file is exhausted,
// feeding every level through a speech detector.
func runMeter(ctx context.Context, mic *wavfile.Microphone, cfg config.Config, out io.Writer) (meterResult, error) {
	vc := cfg.VoiceConfig()
	var res meterResult

	capture, err := mic.Open(ctx)
	if err != nil {
		return res, err
	}
	analyzer, err := level.Attach(capture, vc.Level)
	if err != nil {
		capture.Close()
		return res, err
	}
	defer analyzer.Detach()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(vc.FrameInterval)
	defer ticker.Stop()
	levels, err := analyzer.Levels(ctx, ticker.C)
	if err != nil {
		return res, err
	}

	detector := speech.NewDetector(vc.Speech)
	start := time.Now()
	detector.Begin(start)

	for l := range levels {
		res.Frames++
		res.Peak = max(res.Peak, l.Value)

		marker := ""
		dec := detector.Observe(l.Value, l.At)
		switch {
		case dec.Utterance != nil:
			res.Utterances++
			marker = "  << utterance"
		case l.Value > vc.Speech.SpeechThreshold:
			marker = "  speech"
		}
		fmt.Fprintf(out, "%7.2fs |%s| %.2f%s\n", l.At.Sub(start).Seconds(), bar(l.Value), l.Value, marker)

		if mic.Remaining() == 0 {
			break
		}
	}

	// The file may end before the silence run closes the last utterance.
	if detector.Finish().HeardValidSpeech {
		res.Utterances++
	}
	fmt.Fprintf(out, "frames: %d  peak: %.2f  utterances: %d\n", res.Frames, res.Peak, res.Utterances)
	return res, nil
}

func bar(v float64) string {
	n := int(v*meterWidth + 0.5)
	n = min(max(n, 0), meterWidth)
	return strings.Repeat("#", n) + strings.Repeat(" ", meterWidth-n)
}
