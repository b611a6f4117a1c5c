package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/platevision/monitor-cli/internal/attention"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/pipeline"
)

var (
	watchURL   string
	watchToken string
	watchJSON  bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live detection stream in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if watchURL != "" {
			cfg.Stream.URL = watchURL
		}
		token := watchToken
		if token == "" {
			token = cfg.Stream.Token
		}

		// Window notices go to stderr so stdout stays a clean record feed.
		env, err := initSession("watch",
			attention.WithOpenHandler(func(w attention.Window) {
				fmt.Fprintf(os.Stderr, "* review window opened for #%d\n", w.Detection.ID)
			}),
			attention.WithCloseHandler(func(reason attention.CloseReason, d model.Detection) {
				fmt.Fprintf(os.Stderr, "* review window closed for #%d (%s)\n", d.ID, reason)
			}),
		)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		_, err = env.Bus.Subscribe(pipeline.TopicMerged, func(payload any) {
			rec, ok := payload.(pipeline.MergedRecord)
			if !ok {
				return
			}
			if watchJSON {
				_ = enc.Encode(rec)
				return
			}
			fmt.Println(formatMergedLine(rec))
		})
		if err != nil {
			return err
		}

		if err := env.Pipeline.Start(ctx, token); err != nil {
			return err
		}

		<-ctx.Done()

		formatWatchSummary(os.Stderr, env.Pipeline.Snapshot())
		return nil
	},
}

// formatMergedLine renders one merged record as a feed line.
func formatMergedLine(rec pipeline.MergedRecord) string {
	event := strings.TrimPrefix(string(rec.Event), "detection_")

	category := "-"
	if rec.Record.Category != nil {
		category = *rec.Record.Category
	}

	waste := "-"
	if g, ok := rec.Record.WasteGrams(); ok {
		waste = fmt.Sprintf("%.0fg", g)
	}

	return fmt.Sprintf("%s  #%-7d %-21s %-21s %-12s %s",
		time.Now().Format("15:04:05"), rec.Record.ID, event, rec.Status, category, waste)
}

// formatWatchSummary renders the end-of-session counters.
func formatWatchSummary(out io.Writer, snap pipeline.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Stream state:\t%s\n", snap.Stream.State)
	_, _ = fmt.Fprintf(w, "Frames received:\t%d\n", snap.Stream.Received)
	_, _ = fmt.Fprintf(w, "Frames dropped:\t%d\n", snap.Stream.Dropped)
	_, _ = fmt.Fprintf(w, "Events merged:\t%d\n", snap.Merged)
	_, _ = fmt.Fprintf(w, "Payloads rejected:\t%d\n", snap.Rejected)
	_, _ = fmt.Fprintf(w, "Transport errors:\t%d\n", snap.TransportErrors)
	_, _ = fmt.Fprintf(w, "Records held:\t%d\n", snap.Records)
	_ = w.Flush()
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "stream URL (default from config)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "stream credential (default from config)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "emit merged records as JSON lines")
	rootCmd.AddCommand(watchCmd)
}
