package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var dunningEvery time.Duration

var dunningCmd = &cobra.Command{
	Use:   "dunning",
	Short: "Run the subscription dunning scheduler",
	Long: `Run one dunning sweep over past-due monthly subscriptions, or keep
sweeping on an interval with --every. Safe to run alongside other instances:
runs are serialized through the Redis lock and every state transition is
conditional.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDunning()
	},
}

func init() {
	dunningCmd.Flags().DurationVar(&dunningEvery, "every", 0, "keep running one sweep per interval (0 means run once and exit)")
}

func runDunning() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		deps.Logger.Info("received signal, stopping dunning", "signal", sig)
		cancel()
	}()

	if err := runSweep(ctx, deps); err != nil {
		os.Exit(1)
	}
	if dunningEvery <= 0 {
		return
	}

	ticker := time.NewTicker(dunningEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// interval failures are logged and the loop keeps going
			_ = runSweep(ctx, deps)
		case <-ctx.Done():
			return
		}
	}
}

func runSweep(ctx context.Context, deps *Dependencies) error {
	report, err := deps.Scheduler.Run(ctx)
	if err != nil {
		deps.Logger.Error("dunning sweep failed", "error", err)
		return err
	}
	deps.Logger.Info("dunning sweep complete",
		"skipped", report.Skipped,
		"marked_past_due", report.MarkedPast,
		"processed", report.Processed)
	return nil
}
