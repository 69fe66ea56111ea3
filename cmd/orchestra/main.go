// Command orchestra runs a multi-agent research session from the terminal.
// It is a plain event-bus subscriber: every run event is printed to stdout
// as one JSON line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orchestrahq/orchestra"
	"github.com/orchestrahq/orchestra/config"
	"github.com/orchestrahq/orchestra/flow"
	"github.com/orchestrahq/orchestra/logging"
	"github.com/orchestrahq/orchestra/run"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestra",
		Short:         "Multi-agent orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		profilesDir string
		principal   string
		logLevel    string
		stateDump   string
	)

	cmd := &cobra.Command{
		Use:   "run \"<prompt>\"",
		Short: "Execute a run and stream its events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profiles, err := orchestra.LoadProfiles(profilesDir)
			if err != nil {
				return err
			}

			cfg := config.FromEnv()
			if stateDump != "" {
				cfg.StateDumpEnabled = true
				cfg.StateDumpPath = stateDump
			}

			r, err := run.New(profiles, principal, func(opts *run.Options) {
				opts.Config = cfg
				opts.Logger = logging.NewSlogLogger(logging.ParseLogLevel(logLevel), "text", false)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Subscribe before starting so no event is missed.
			sub := r.Subscribe()
			if err := r.Start(ctx, args[0]); err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				r.Cancel()
			}()

			enc := json.NewEncoder(os.Stdout)
			for ev := range sub.C {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}

			result, err := r.Wait(context.Background())
			if err != nil {
				return err
			}
			if report, ok := r.Report(); ok {
				fmt.Fprintln(os.Stderr, "--- report ---")
				fmt.Fprintln(os.Stderr, report)
			}
			if result.Outcome != flow.OutcomeSuccess {
				return fmt.Errorf("run ended %s: %s", result.Outcome, result.ErrorMessage)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&profilesDir, "profiles", "profiles", "directory containing agent profile documents")
	cmd.Flags().StringVar(&principal, "principal", "Principal", "name of the Principal profile to run")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&stateDump, "state-dump", "", "write a JSON state dump to this path at run end")
	return cmd
}
