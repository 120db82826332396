// Command fire-unit is the device agent that runs next to a camera. It
// reports telemetry lines and fire alerts to a FireGuard server over HTTP
// or MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type options struct {
	server    string
	broker    string
	transport string
	cameraID  string
	retries   uint64
	verbose   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "fire-unit",
		Short: "Report camera telemetry and fire alerts to a FireGuard server",
		Long: `fire-unit runs on the device next to a camera. It posts log lines and
alerts for one camera id, retrying with exponential backoff when the server
is unreachable.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("BACKEND_URL", "http://localhost:4000"), "FireGuard HTTP base URL")
	flags.StringVar(&opts.broker, "broker", envOr("MQTT_BROKER", "tcp://localhost:1883"), "MQTT broker address")
	flags.StringVar(&opts.transport, "transport", "http", "transport to use: http or mqtt")
	flags.StringVar(&opts.cameraID, "camera-id", os.Getenv("CAMERA_ID"), "camera id this unit reports for")
	flags.Uint64Var(&opts.retries, "retries", 5, "retries per report before giving up")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newLogCmd(opts), newAlertCmd(opts), newRunCmd(opts))
	return root
}

func (o *options) logger() zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Str("camera", o.cameraID).Logger()
}

func (o *options) validate() error {
	if o.cameraID == "" {
		return fmt.Errorf("--camera-id (or CAMERA_ID) is required")
	}
	if o.transport != "http" && o.transport != "mqtt" {
		return fmt.Errorf("unknown transport %q (want http or mqtt)", o.transport)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
