package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		runList(os.Stdout, Store.Records())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(out io.Writer, records []store.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No identities enrolled.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDIM\tIMAGE\tCREATED")
	fmt.Fprintln(w, "--\t----\t---\t-----\t-------")

	for _, r := range records {
		image := "-"
		if len(r.Image) > 0 {
			image = fmt.Sprintf("%dB", len(r.Image))
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", r.ID, r.Name, len(r.Embedding), image, r.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
