package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/discover"
	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/header"
)

func NewRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair [DIR]",
		Short: "Comment out conflicting declarations in wrapper headers",
		Args:  cobra.MaximumNArgs(1),
		RunE:  RepairHandler,
	}

	cmd.Flags().Bool("remove-dirty-check", false, "Strip host_dirty() checks (default from HLOPS_REMOVE_DIRTY_CHECK)")
	return cmd
}

// outputDir is the directory argument, or OUTPUT_DIR.
func outputDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return envconfig.OutputDir
}

func RepairHandler(cmd *cobra.Command, args []string) error {
	removeDirtyCheck := envconfig.RemoveDirtyCheck
	if cmd.Flags().Changed("remove-dirty-check") {
		removeDirtyCheck, _ = cmd.Flags().GetBool("remove-dirty-check")
	}

	artifacts, err := discover.Require(outputDir(args), discoverOptions()...)
	if err != nil {
		return err
	}

	var data [][]string
	for _, a := range artifacts {
		res, err := header.Repair(a.Name, a.WrapperHeaderPath, header.RemoveDirtyCheck(removeDirtyCheck))
		if err != nil {
			return err
		}

		status := "repaired"
		if res.Skipped {
			status = "already repaired"
		}
		data = append(data, []string{a.Name, strconv.Itoa(len(res.Disabled)), strconv.Itoa(res.DirtyChecksRemoved), status})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "DISABLED", "DIRTY CHECKS", "STATUS")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func discoverOptions() []discover.Option {
	if envconfig.SortArtifacts {
		return []discover.Option{discover.WithSorted()}
	}
	return nil
}
