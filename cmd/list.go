package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/binding"
	"github.com/jmorganca/hlops/discover"
	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/format"
	"github.com/jmorganca/hlops/header"
)

func NewListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list [DIR]",
		Aliases: []string{"ls"},
		Short:   "List compiled artifacts",
		Args:    cobra.MaximumNArgs(1),
		RunE:    ListHandler,
	}
}

func ListHandler(cmd *cobra.Command, args []string) error {
	dir := outputDir(args)
	artifacts, err := discover.Artifacts(dir, discover.WithSorted())
	if err != nil {
		return err
	}

	manifest, err := binding.LoadManifest(binding.ManifestPath(dir, envconfig.ExtensionName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	registered := manifest.Names()

	var data [][]string
	for _, a := range artifacts {
		size, modified := "-", "Never"
		if fi, err := os.Stat(a.ObjectPath); err == nil {
			size = format.HumanBytes(fi.Size())
			modified = format.HumanTime(fi.ModTime(), "Never")
		}

		src, err := os.ReadFile(a.WrapperHeaderPath)
		if err != nil {
			return err
		}

		var status []string
		if header.IsRepaired(src) {
			status = append(status, "repaired")
		}
		if slices.Contains(registered, a.Name) {
			status = append(status, "built")
		}
		if len(status) == 0 {
			status = append(status, "compiled")
		}

		data = append(data, []string{a.Name, size, modified, strings.Join(status, ", ")})
	}

	table := newTable(cmd.OutOrStdout(), "NAME", "SIZE", "MODIFIED", "STATUS")
	table.AppendBulk(data)
	table.Render()

	if len(registered) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d entry points, build %s, created %s\n",
			manifest.ExtensionName, len(registered), manifest.BuildID, format.HumanTime(manifest.Created, "Never"))
	}
	return nil
}
