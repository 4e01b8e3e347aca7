package main

import (
	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "epirank",
	Short: "Rank and rate reinforcement learning episodes",
	Long: `epirank runs a local labeling engine in front of an RL feedback backend.
It sequences episodes into ranking steps, keeps the ranking board, and
batches feedback for submission.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(episodeCmd)
	rootCmd.AddCommand(configCmd)
}
