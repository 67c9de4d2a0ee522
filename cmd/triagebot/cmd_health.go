package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check configuration and storage, and show issue counts by state",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	h := a.Orchestrator.Health()
	if err := a.DB.Ping(cmd.Context()); err != nil {
		h.Store = false
		fmt.Fprintf(out, "Store error: %v\n", err)
	}
	fmt.Fprintf(out, "Classifier: %t\n", h.Classifier)
	fmt.Fprintf(out, "Estimator:  %t\n", h.Estimator)
	fmt.Fprintf(out, "Store:      %t\n", h.Store)
	fmt.Fprintf(out, "Tickets:    %t\n", h.Tickets)
	fmt.Fprintf(out, "Issues:     %t\n", h.Issues)
	fmt.Fprintf(out, "Slack:      %t\n", h.Notifier)

	counts, err := a.Tracker.Counts(cmd.Context())
	if err != nil {
		return fmt.Errorf("count records: %w", err)
	}
	if len(counts) > 0 {
		fmt.Fprintf(out, "Records:\n")
		for state, n := range counts {
			fmt.Fprintf(out, "  %s: %d\n", state, n)
		}
	}
	if !h.OK() {
		return fmt.Errorf("unhealthy")
	}
	return nil
}
