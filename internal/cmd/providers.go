package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/appdir"
	"github.com/tetherhq/tether/internal/providers"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers",
	Long: `Providers are read from providers.yaml in the Tether directory.
When the file is absent, the built-in defaults are used.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		providersPath, err := appdir.ProvidersPath()
		if err != nil {
			return err
		}
		registry, err := providers.NewRegistry(providersPath)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCOMMAND")
		for _, p := range registry.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Name, p.Command)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
