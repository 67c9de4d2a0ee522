package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"triagebot/internal/workflow"
)

var dailyFlags struct {
	json bool
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the daily pass once: new reports, stuck issues and the team summary",
	RunE:  runDaily,
}

func init() {
	dailyCmd.Flags().BoolVar(&dailyFlags.json, "json", false, "print the summary as JSON")
}

func runDaily(cmd *cobra.Command, _ []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.Orchestrator.RunDaily(cmd.Context())
	if err != nil {
		return fmt.Errorf("daily run: %w", err)
	}
	if dailyFlags.json {
		return writeJSON(cmd.OutOrStdout(), summary)
	}
	fmt.Fprintln(cmd.OutOrStdout(), workflow.FormatDailySummary(summary))
	return nil
}
