package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/pipeline"
)

var livenessOpts Options

var livenessCmd = &cobra.Command{
	Use:   "liveness",
	Short: "Run a randomized head-movement challenge against the face in view",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSession(cmd.Context(), pipeline.ModeLiveness, livenessOpts)
	},
}

func init() {
	addSessionFlags(livenessCmd, &livenessOpts)
	rootCmd.AddCommand(livenessCmd)
}
