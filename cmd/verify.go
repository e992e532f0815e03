package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/pipeline"
)

var verifyOpts Options

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check whether the face in view matches an enrolled identity",
	Example: `  facegate verify -i /dev/video0 -f v4l2
  facegate verify -i rtsp://camera.local/stream -t 0.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSession(cmd.Context(), pipeline.ModeVerify, verifyOpts)
	},
}

func init() {
	addSessionFlags(verifyCmd, &verifyOpts)
	verifyCmd.Flags().Float64VarP(&verifyOpts.MatchThreshold, "threshold", "t", 0, "Minimum cosine similarity for a match (default from MATCH_THRESHOLD)")
	rootCmd.AddCommand(verifyCmd)
}
