package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/build"
	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/format"
	"github.com/jmorganca/hlops/progress"
)

func NewBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build [DIR]",
		Short: "Build the compiled artifacts into a loadable extension module",
		Args:  cobra.MaximumNArgs(1),
		RunE:  BuildHandler,
	}

	cmd.Flags().String("name", "", "Extension module name (default from HLOPS_EXTENSION_NAME)")
	cmd.Flags().Bool("skip-checks", false, "Do not check that the compiler is installed")
	cmd.Flags().Bool("no-torch", false, "Do not ask HLOPS_PYTHON for the torch header and library paths")
	return cmd
}

var stateMessages = map[build.State]string{
	build.Validated:          "repairing headers",
	build.HeadersPatched:     "synthesizing module definition",
	build.BindingSynthesized: "compiling extension",
	build.Built:              "writing manifest",
}

func BuildHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg := build.FromEnv(ctx)
	if len(args) > 0 {
		cfg.OutputDir = args[0]
	}
	if name, _ := cmd.Flags().GetString("name"); name != "" {
		cfg.ExtensionName = name
	}

	// configuration errors come before anything is run
	if err := cfg.Validate(); err != nil {
		return err
	}

	if skip, _ := cmd.Flags().GetBool("skip-checks"); !skip {
		if err := build.CheckDependencies(ctx, cfg.CXX); err != nil {
			return fmt.Errorf("missing build dependencies: %w", err)
		}
	}

	if noTorch, _ := cmd.Flags().GetBool("no-torch"); !noTorch {
		torch, err := build.FindTorch(ctx, envconfig.Python)
		if err != nil {
			slog.Warn("torch not found, set HLOPS_INCLUDE_DIRS and HLOPS_LINK_FLAGS to build against it", "error", err)
		} else {
			cfg = cfg.WithTorch(torch)
		}
	}

	// compiler output is part of the error on failure
	var stderr io.Writer
	if envconfig.Debug > 0 {
		stderr = os.Stderr
	}

	p := progress.NewProgress(os.Stderr)
	spinner := progress.NewSpinner("validating configuration")
	p.Add("build", spinner)

	b := build.New(cfg,
		build.WithToolchain(build.CommandToolchain{CXX: cfg.CXX, Stderr: stderr}),
		build.WithStateFunc(func(s build.State) {
			if msg, ok := stateMessages[s]; ok {
				spinner.SetMessage(msg)
			}
		}),
	)

	res, err := b.Run(ctx)
	p.StopAndClear()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "built %s with %d pipelines in %s\n", res.ModulePath, len(res.Artifacts), format.Elapsed(res.Duration))
	fmt.Fprintf(cmd.OutOrStdout(), "manifest %s (build %s)\n", res.ManifestPath, res.BuildID)
	return nil
}
