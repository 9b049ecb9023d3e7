package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferno-ai/inferno/internal/executor"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue, worker, and system status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	var status executor.Status
	if err := newClient().getJSON("/v1/status", &status); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Health:        %s\n", status.Health.Status)
	fmt.Fprintf(out, "Backpressure:  %s\n", status.Backpressure)
	fmt.Fprintf(out, "Queue depth:   %d\n", status.QueueDepth)
	fmt.Fprintf(out, "Fairness:      %.2f\n", status.FairnessScore)
	fmt.Fprintf(out, "Power/thermal: %s / %s (profile %s)\n",
		status.System.Power, status.System.Thermal, status.System.RecommendedProfile())
	for model, stats := range status.WorkerStats {
		fmt.Fprintf(out, "Pool %-20s workers=%d active=%d idle=%d failed=%d load=%.2f\n",
			model, stats.TotalWorkers, stats.ActiveWorkers, stats.IdleWorkers,
			stats.FailedWorkers, stats.CurrentLoad)
	}
	return nil
}
