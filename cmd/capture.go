package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/platevision/monitor-cli/internal/capture"
	"github.com/platevision/monitor-cli/internal/model"
	"github.com/platevision/monitor-cli/internal/stream"
)

var (
	captureJournalPath string
	captureURL         string
	captureToken       string
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record and inspect captured stream sessions",
	Long:  "Commands for journaling live stream frames and replaying or inspecting past recordings.",
}

// -- capture record --

var captureRecordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record the live stream into the journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if captureURL != "" {
			cfg.Stream.URL = captureURL
		}
		if captureJournalPath != "" {
			cfg.Capture.Path = captureJournalPath
		}
		token := captureToken
		if token == "" {
			token = cfg.Stream.Token
		}
		if err := cfg.Validate("capture"); err != nil {
			return err
		}

		j, err := capture.NewJournal(cfg.Capture.Path)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck
		if err := j.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate journal")
		}

		sess, err := j.Begin(ctx, cfg.Stream.URL)
		if err != nil {
			return err
		}

		var frames atomic.Uint64
		onEvent := func(env model.Envelope) {
			// Appends outlive ctx so frames already read are not lost on
			// shutdown.
			if err := sess.Append(context.Background(), env); err != nil {
				zap.L().Warn("capture: append failed", zap.Error(err))
				return
			}
			frames.Add(1)
		}

		sc := stream.NewClient(cfg.Stream.URL, streamOptions()...)
		if err := sc.Connect(ctx, token, onEvent, nil); err != nil {
			if eris.Is(err, stream.ErrNoCredential) {
				return err
			}
			zap.L().Warn("capture: initial connect failed, reconnect policy engaged", zap.Error(err))
		}

		zap.L().Info("capture: recording",
			zap.String("session_id", sess.ID),
			zap.String("url", cfg.Stream.URL),
		)

		<-ctx.Done()

		sc.Disconnect()
		if err := sess.End(context.Background()); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"session_id": sess.ID,
			"frames":     frames.Load(),
		})
	},
}

// -- capture sessions --

var captureSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recorded sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		j, err := openJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck

		sessions, err := j.Sessions(ctx)
		if err != nil {
			return eris.Wrap(err, "capture sessions")
		}

		if len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "No sessions recorded.")
			return nil
		}

		formatSessions(os.Stdout, sessions)
		return nil
	},
}

// -- capture show --

var captureShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Dump a session's frames as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		j, err := openJournal(ctx)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck

		type frameView struct {
			Seq        int64           `json:"seq"`
			CapturedAt time.Time       `json:"captured_at"`
			Type       model.EventType `json:"type"`
			Data       json.RawMessage `json:"data"`
		}

		enc := json.NewEncoder(os.Stdout)
		return j.Replay(ctx, args[0], func(f capture.Frame) error {
			return enc.Encode(frameView{
				Seq:        f.Seq,
				CapturedAt: f.CapturedAt,
				Type:       f.Env.Type,
				Data:       f.Env.Data,
			})
		})
	},
}

// openJournal opens the configured journal for inspection commands.
func openJournal(ctx context.Context) (*capture.Journal, error) {
	path := captureJournalPath
	if path == "" {
		path = cfg.Capture.Path
	}

	j, err := capture.NewJournal(path)
	if err != nil {
		return nil, err
	}
	if err := j.Migrate(ctx); err != nil {
		j.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate journal")
	}
	return j, nil
}

// formatSessions writes a tabular list of recorded sessions to w.
func formatSessions(out io.Writer, sessions []capture.SessionInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTARTED\tDURATION\tFRAMES")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------\t------")

	for _, s := range sessions {
		dur := "live"
		if s.EndedAt != nil {
			dur = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}

		source := s.SourceURL
		if len(source) > 30 {
			source = source[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			truncateID(s.ID),
			source,
			s.StartedAt.Format("2006-01-02 15:04"),
			dur,
			s.Frames,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	captureCmd.PersistentFlags().StringVar(&captureJournalPath, "journal", "", "journal path (default from config)")
	captureRecordCmd.Flags().StringVar(&captureURL, "url", "", "stream URL (default from config)")
	captureRecordCmd.Flags().StringVar(&captureToken, "token", "", "stream credential (default from config)")

	captureCmd.AddCommand(captureRecordCmd)
	captureCmd.AddCommand(captureSessionsCmd)
	captureCmd.AddCommand(captureShowCmd)
	rootCmd.AddCommand(captureCmd)
}
