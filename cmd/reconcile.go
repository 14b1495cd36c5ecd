package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"vigil/bootstrap"
)

// reconcileResult is the JSON shape of a reconcile run
type reconcileResult struct {
	Ran      bool   `json:"ran"`
	Duration string `json:"duration"`
}

// newReconcileCmd creates the 'reconcile' subcommand
func newReconcileCmd() *cobra.Command {
	var showProgress bool

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one maintenance reconciliation pass",
		Long: `Restore alerts held by maintenance windows that no longer cover them. The pass
takes the configured maintenance lock and is skipped when another process holds it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			app, err := bootstrap.NewApp(ctx, configFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer app.Shutdown()

			var s *spinner.Spinner
			if showProgress && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Reconciling maintenance windows..."
				s.Start()
			}

			start := time.Now()
			ran := app.RunReconcile(ctx)

			if s != nil {
				s.Stop()
			}

			result := reconcileResult{Ran: ran, Duration: time.Since(start).Round(time.Millisecond).String()}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), result)
			}
			renderReconcileResult(cmd, result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showProgress, "progress", true, "Show progress indicator")
	return cmd
}

func renderReconcileResult(cmd *cobra.Command, result reconcileResult) {
	out := cmd.OutOrStdout()
	if result.Ran {
		successColor.Fprintf(out, "✓ Reconciliation pass completed in %s\n", result.Duration)
		return
	}
	warningColor.Fprintln(out, "⚠ Reconciliation lock held elsewhere, pass skipped")
}
