// Command camwatch is a terminal viewer for a FireGuard server. It lists the
// camera registry and follows the live stream, keeping a local view in sync.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sanekng/FireGuard/internal/client"
	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/reconciler"
)

type options struct {
	server  string
	timeout time.Duration
	verbose bool
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
		Use:          "camwatch",
		Short:        "Watch cameras and fire alerts on a FireGuard server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("FIREGUARD_URL", "http://localhost:4000"), "FireGuard HTTP base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "REST request timeout")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newListCmd(opts), newWatchCmd(opts), newStatusCmd(opts))
	return root
}

func (o *options) client() (*client.Client, error) {
	return client.New(client.Config{BaseURL: o.server, Timeout: o.timeout})
}

func (o *options) logger(w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if o.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()
}

func newListCmd(opts *options) *cobra.Command {
	var alertsOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the camera registry once",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			cams, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			view := reconciler.New()
			view.Load(cams)
			printView(cmd.OutOrStdout(), view, alertsOnly, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&alertsOnly, "alerts", false, "only show cameras signalling an alert")
	return cmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print server counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "cameras:      %d\n", st.Cameras)
			fmt.Fprintf(w, "alerting:     %d\n", st.Alerting)
			fmt.Fprintf(w, "subscribers:  %d\n", st.Subscribers)
			fmt.Fprintf(w, "streams:      %d\n", st.Streams)
			fmt.Fprintf(w, "mqtt clients: %d\n", st.MQTTClients)
			fmt.Fprintf(w, "uptime:       %s\n", st.Uptime)
			return nil
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	var (
		table       bool
		readTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live stream, reconnecting and resyncing as needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			view := reconciler.New()
			stream := c.Stream(view, client.StreamOptions{
				OnUpdate: func(u client.Update) {
					if table {
						printView(out, view, false, time.Now())
						return
					}
					printUpdate(out, view, u)
				},
				ReadTimeout: readTimeout,
			}, opts.logger(cmd.ErrOrStderr()))
			return stream.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&table, "table", false, "reprint the whole view after every change")
	cmd.Flags().DurationVar(&readTimeout, "read-timeout", 75*time.Second, "reconnect when the server stays silent this long")
	return cmd
}

func printUpdate(w io.Writer, view *reconciler.View, u client.Update) {
	if u.Resynced {
		fmt.Fprintf(w, "synced: %d cameras, %d alerting\n", view.Len(), len(view.Alerting()))
		return
	}
	id := u.Event.EntityID()
	if u.Change == reconciler.Removed {
		fmt.Fprintf(w, "%-9s %s\n", u.Change, id)
		return
	}
	cam, ok := view.Get(id)
	if !ok {
		return
	}
	marker := ""
	if view.Alerted(id) {
		marker = "  !! " + cam.Status
	}
	fmt.Fprintf(w, "%-9s %s %q status=%s%s\n", u.Change, cam.ID, cam.Name, cam.Status, marker)
}

func printView(w io.Writer, view *reconciler.View, alertsOnly bool, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tSTATUS\tLAT\tLNG\tACTIVE\tCREATED\tLAST LOG")
	for _, cam := range view.Cameras() {
		if alertsOnly && !cam.IsAlert() {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.5f\t%.5f\t%t\t%s\t%s\n",
			mark(view, cam), cam.ID, cam.Name, cam.Status, cam.Lat, cam.Lng, cam.Active,
			humanize.RelTime(cam.CreatedAt, now, "ago", "from now"), truncate(cam.LastLog, 40))
	}
	_ = tw.Flush()
}

func mark(view *reconciler.View, cam model.Camera) string {
	switch {
	case view.Alerted(cam.ID):
		return "!!"
	case cam.IsAlert():
		return "!"
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
