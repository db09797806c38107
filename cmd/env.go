package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/envconfig"
)

func NewEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}

	cmd.Flags().Bool("example", false, "Print an example configuration file")
	return cmd
}

func EnvHandler(cmd *cobra.Command, args []string) error {
	if example, _ := cmd.Flags().GetBool("example"); example {
		fmt.Fprint(cmd.OutOrStdout(), envconfig.GenerateExampleConfig())
		return nil
	}

	vars := envconfig.AsMap()
	var data [][]string
	for _, name := range slices.Sorted(maps.Keys(vars)) {
		v := vars[name]
		data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
	}

	table := newTable(cmd.OutOrStdout(), "VARIABLE", "VALUE", "DESCRIPTION")
	table.AppendBulk(data)
	table.Render()

	if path := envconfig.FilePath(); path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nconfiguration file %s\n", path)
	}
	return nil
}
