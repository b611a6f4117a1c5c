package main

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/platevision/monitor-cli/internal/assets"
)

var (
	resolveFallback string
	resolveLoad     bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <subject-id> <kind>",
	Short: "Resolve a detection asset to a loadable URL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("resolve"); err != nil {
			return err
		}

		subjectID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return eris.Wrapf(err, "bad subject id %q", args[0])
		}

		resolver := assets.NewResolver(assets.NewCache(), initBackend())
		res, err := resolver.Resolve(ctx, subjectID, args[1], resolveFallback)
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		out := map[string]any{"resolution": res}
		if resolveLoad && !res.Unavailable {
			loader := assets.NewLoader(assets.WithLoadRetries(
				cfg.Resolver.LoadRetries,
				time.Duration(cfg.Resolver.LoadRetryDelayMs)*time.Millisecond,
			))
			body, err := loader.Load(ctx, res.URL)
			if err != nil {
				return err
			}
			out["loaded_bytes"] = len(body)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveFallback, "fallback", "", "static path to fall back to when the primary lookup fails")
	resolveCmd.Flags().BoolVar(&resolveLoad, "load", false, "fetch the resolved URL and report its size")
	rootCmd.AddCommand(resolveCmd)
}
