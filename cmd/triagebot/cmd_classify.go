package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"triagebot/internal/app"
	"triagebot/internal/logger"
)

var classifyFlags struct {
	urgent bool
}

var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify a report without tracking or routing it",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyFlags.urgent, "urgent", false, "treat the report as urgent")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.LogLevel)
	classifier, err := app.NewClassifier(cfg)
	if err != nil {
		return err
	}
	result, err := classifier.Classify(cmd.Context(), strings.Join(args, " "), "", classifyFlags.urgent)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), result)
}
