package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sanekng/FireGuard/internal/model"
)

func newLogCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "log TEXT...",
		Short:   "Send one telemetry line",
		Example: `  fire-unit log --camera-id abc1 "temp 41C, lens clear"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			logger := opts.logger()
			sender, err := newSender(opts, logger)
			if err != nil {
				return err
			}
			defer sender.Close()

			text := strings.Join(args, " ")
			return deliver(cmd.Context(), logger, opts.retries, "log", func(ctx context.Context) error {
				return sender.Log(ctx, opts.cameraID, text)
			})
		},
	}
}

func newAlertCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "alert [TYPE]",
		Short: "Raise an alert (fire when TYPE is omitted, normal clears it)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			alertType := model.DefaultAlertType
			if len(args) == 1 {
				alertType = args[0]
			}

			logger := opts.logger()
			sender, err := newSender(opts, logger)
			if err != nil {
				return err
			}
			defer sender.Close()

			return deliver(cmd.Context(), logger, opts.retries, "alert", func(ctx context.Context) error {
				return sender.Alert(ctx, opts.cameraID, alertType)
			})
		},
	}
}

func newRunCmd(opts *options) *cobra.Command {
	var (
		interval  time.Duration
		scoreFile string
		threshold float64
		onChange  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Report fire or normal on an interval from a detector score file",
		Long: `run reads a detector score in [0,1] from --score-file every --interval and
reports "fire" when it exceeds --threshold, "normal" otherwise. The score file
is written by the on-device model; a missing or unreadable file skips a cycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}

			logger := opts.logger()
			sender, err := newSender(opts, logger)
			if err != nil {
				return err
			}
			defer sender.Close()

			d := &detector{path: scoreFile, threshold: threshold}
			return runLoop(cmd.Context(), logger, sender, d, opts, interval, onChange)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "time between detections")
	cmd.Flags().StringVar(&scoreFile, "score-file", "score.txt", "file holding the latest detector score")
	cmd.Flags().Float64Var(&threshold, "threshold", 0.5, "score above which a fire is reported")
	cmd.Flags().BoolVar(&onChange, "on-change", false, "only report when the verdict changes")
	return cmd
}

// detector turns the on-device model's latest score into a verdict.
type detector struct {
	path      string
	threshold float64
}

var errNoScore = errors.New("no detector score available")

func (d *detector) verdict() (string, float64, error) {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", errNoScore, err)
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: parse %s: %v", errNoScore, d.path, err)
	}
	if score > d.threshold {
		return model.DefaultAlertType, score, nil
	}
	return model.StatusNormal, score, nil
}

func runLoop(ctx context.Context, logger zerolog.Logger, sender Sender, d *detector, opts *options, interval time.Duration, onChange bool) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", interval).Str("transport", opts.transport).Msg("starting detection loop")

	last := ""
	for {
		verdict, score, err := d.verdict()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("skipping detection cycle")
		case onChange && verdict == last:
			logger.Debug().Str("verdict", verdict).Float64("score", score).Msg("verdict unchanged")
		default:
			err := deliver(ctx, logger, opts.retries, "alert", func(ctx context.Context) error {
				return sender.Alert(ctx, opts.cameraID, verdict)
			})
			if err == nil {
				last = verdict
				logger.Info().Str("verdict", verdict).Float64("score", score).Msg("reported")
			} else if ctx.Err() == nil {
				logger.Error().Err(err).Str("verdict", verdict).Msg("report failed")
			}
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("received shutdown signal, stopping")
			return nil
		case <-ticker.C:
		}
	}
}
