// Package cmd is the hlops command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/logutil"
	"github.com/jmorganca/hlops/version"
)

func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "hlops",
		Short:         "Compile pipelines ahead of time and build them into a tensor extension",
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			if err := LoadDotEnv(); err != nil {
				return err
			}
			envconfig.ReloadConfigFile()

			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(envconfig.Debug)))
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "hlops version %s\n", version.Version)
				return
			}
			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(
		NewCompileCmd(),
		NewRepairCmd(),
		NewBindCmd(),
		NewWrapCmd(),
		NewListCmd(),
		NewBuildCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}
