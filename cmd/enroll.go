package cmd

import (
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/pipeline"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Capture a steady frontal face from a camera or video and register it",
	Long: `Runs the pipeline in REGISTER mode. Once a frontal face has been held steady the
capture is frozen and you are asked for a name (press Enter to accept the suggested one).`,
	Example: `  facegate enroll -i /dev/video0 -f v4l2
  facegate enroll -i clip.mp4 --name "Alice"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runSession(cmd.Context(), pipeline.ModeRegister, enrollOpts)
	},
}

func init() {
	addSessionFlags(enrollCmd, &enrollOpts)
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Name to enroll under instead of prompting")
	rootCmd.AddCommand(enrollCmd)
}
