package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/utils"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all enrolled identities",
	Long:  "Removes every identity and its reference image. IDs keep counting from where they left off.",
	Run: func(cmd *cobra.Command, args []string) {
		if Store.Len() == 0 {
			fmt.Println("No identities enrolled.")
			return
		}

		reader := bufio.NewReader(os.Stdin)
		prompt := fmt.Sprintf("⚠️  Are you sure you want to delete all %d identities?", Store.Len())
		if !resetYes && !confirm(reader, prompt) {
			fmt.Println("Aborted.")
			return
		}

		fmt.Println("🗑️  Clearing identities...")
		if err := Store.Clear(cmd.Context()); err != nil {
			utils.Die("Failed to reset identity store", err, nil)
		}
		fmt.Println("✨ Identity store reset complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}
