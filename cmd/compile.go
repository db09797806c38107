package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/build"
	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/format"
	"github.com/jmorganca/hlops/generate"
	"github.com/jmorganca/hlops/progress"
	"github.com/jmorganca/hlops/target"
)

func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile [PIPELINE...]",
		Short: "Compile pipelines for every variant, target and type",
		Long: `Compile the pipelines declared in the configuration file, or given with
--pipeline, into <bin>/<cpu target>. Naming one or more pipelines compiles
only those.`,
		RunE: CompileHandler,
	}

	cmd.Flags().StringArray("pipeline", nil, "Pipeline as key=value pairs, e.g. name=add,executable=bin/add.generator,generator=add_generator")
	cmd.Flags().StringSlice("types", nil, "Numeric types to compile (default from HLOPS_TYPES)")
	cmd.Flags().String("bin", "", "Root of compiled artifacts (default from HLOPS_BIN)")
	cmd.Flags().IntP("parallel", "j", 0, "Maximum concurrent compilations (default from HLOPS_NUM_PARALLEL)")
	cmd.Flags().BoolP("force", "f", false, "Recompile units that are up to date")

	return cmd
}

// compileTargets resolves the CPU and accelerator targets from envconfig.
func compileTargets(ctx context.Context) (generate.Targets, error) {
	cpu, err := target.Parse(envconfig.CPUTarget)
	if err != nil {
		return generate.Targets{}, err
	}

	targets := generate.Targets{CPU: cpu}
	accelerator := build.AcceleratorFromEnv(ctx)
	if accelerator == target.NoAccelerator {
		return targets, nil
	}

	if targets.GPU, err = target.Parse(build.TargetFor(accelerator)); err != nil {
		return generate.Targets{}, err
	}
	if got := targets.GPU.Accelerator(); got != accelerator {
		return generate.Targets{}, fmt.Errorf("%s target %s selects accelerator %s", accelerator, targets.GPU, got)
	}

	return targets, nil
}

// pipelines collects the configured pipelines and those given on the
// command line, keeping only names when any are given.
func pipelines(cmd *cobra.Command, names []string) ([]generate.Pipeline, error) {
	all := generate.FromConfig(envconfig.File().Pipelines)

	specs, err := cmd.Flags().GetStringArray("pipeline")
	if err != nil {
		return nil, err
	}
	for _, s := range specs {
		p, err := generate.ParsePipeline(s)
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}

	if len(names) > 0 {
		all = slices.DeleteFunc(all, func(p generate.Pipeline) bool {
			return !slices.Contains(names, p.Name)
		})
		for _, name := range names {
			if !slices.ContainsFunc(all, func(p generate.Pipeline) bool { return p.Name == name }) {
				return nil, fmt.Errorf("pipeline %q is not configured", name)
			}
		}
	}

	if len(all) == 0 {
		return nil, errors.New("no pipelines configured: add [[pipeline]] entries to the configuration file or pass --pipeline")
	}

	var errs []error
	for _, p := range all {
		errs = append(errs, p.Validate())
	}
	return all, errors.Join(errs...)
}

func CompileHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	ps, err := pipelines(cmd, args)
	if err != nil {
		return err
	}

	types := envconfig.Types
	if flagTypes, _ := cmd.Flags().GetStringSlice("types"); len(flagTypes) > 0 {
		types = flagTypes
	}

	bin := envconfig.BinDir
	if flagBin, _ := cmd.Flags().GetString("bin"); flagBin != "" {
		bin = flagBin
	}

	parallel := envconfig.NumParallel
	if n, _ := cmd.Flags().GetInt("parallel"); n > 0 {
		parallel = n
	}
	force, _ := cmd.Flags().GetBool("force")

	targets, err := compileTargets(ctx)
	if err != nil {
		return err
	}

	units := generate.Plan(ps, types, targets)

	p := progress.NewProgress(os.Stderr)
	bar := progress.NewStepBar("Compiling", len(units))
	p.Add("compile", bar)

	d := generate.Driver{
		Compiler:    generate.GeneratorCompiler{},
		Dir:         targets.Dir(bin),
		Parallelism: parallel,
		Force:       force,
		OnResult: func(generate.Result) {
			bar.Increment()
		},
	}

	results, err := d.Run(ctx, units)
	p.StopAndClear()
	if err != nil {
		return err
	}

	writeResults(cmd.OutOrStdout(), results)
	fmt.Fprintf(cmd.OutOrStdout(), "\nartifacts written to %s\n", d.Dir)
	return nil
}

func writeResults(w io.Writer, results []generate.Result) {
	var data [][]string
	for _, r := range results {
		status := format.Elapsed(r.Duration)
		if r.Skipped {
			status = "up to date"
		}

		variant := string(r.Unit.Variant)
		if variant == "" {
			variant = "forward"
		}

		tgt := "cpu"
		if r.Unit.Accelerator != target.NoAccelerator {
			tgt = r.Unit.Accelerator.String()
		}

		data = append(data, []string{r.Unit.Name(), variant, tgt, r.Unit.Type, status})
	}

	table := newTable(w, "NAME", "VARIANT", "TARGET", "TYPE", "STATUS")
	table.AppendBulk(data)
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}
