package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/inferno-ai/inferno/internal/domain"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List discovered models",
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	var models []domain.ModelDescriptor
	if err := newClient().getJSON("/v1/models", &models); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tFORMAT\tSIZE\tMODIFIED")
	for _, m := range models {
		fmt.Fprintf(w, "%s\t%s\t%.1f GB\t%s\n",
			m.Name, m.Format,
			float64(m.SizeBytes)/(1024*1024*1024),
			m.Modified.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
