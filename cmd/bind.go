package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmorganca/hlops/binding"
	"github.com/jmorganca/hlops/build"
	"github.com/jmorganca/hlops/discover"
	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/target"
)

func NewBindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bind [DIR]",
		Short: "Print the module definition registering every artifact",
		Args:  cobra.MaximumNArgs(1),
		RunE:  BindHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Write to a file instead of standard output")
	cmd.Flags().String("accelerator", "", "Include the runtime hooks of an accelerator: cuda, metal or none (default from ACCELERATOR_ENABLED and HLOPS_ACCELERATOR)")
	cmd.Flags().Lookup("accelerator").NoOptDefVal = target.CUDA.String()
	return cmd
}

func BindHandler(cmd *cobra.Command, args []string) error {
	artifacts, err := discover.Require(outputDir(args), discoverOptions()...)
	if err != nil {
		return err
	}

	accelerator := build.AcceleratorFromEnv(cmd.Context())
	if cmd.Flags().Changed("accelerator") {
		s, _ := cmd.Flags().GetString("accelerator")
		if accelerator, err = target.ParseAccelerator(s); err != nil {
			return err
		}
	}

	return writeOutput(cmd, binding.Synthesize(discover.Headers(artifacts), accelerator))
}

func NewWrapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wrap FUNCTION ARG...",
		Short: "Print the tensor wrapper header of a compiled function",
		Long: `Print the tensor wrapper header of a compiled function. Arguments are
given in call order as name:type; buffers end in [], as in

  hlops wrap add_float32 input_a:float32[] input_b:float32[] output:float32[]`,
		Args: cobra.MinimumNArgs(1),
		RunE: WrapHandler,
	}

	cmd.Flags().StringP("output", "o", "", "Write to a file instead of standard output")
	cmd.Flags().String("target", "", "Compile target of the function (default from HLOPS_CPU_TARGET)")
	return cmd
}

// parseArgument reads a wrap argument such as "input_a:float32[]".
func parseArgument(s string) (binding.Argument, error) {
	name, typ, ok := strings.Cut(s, ":")
	if !ok || name == "" || typ == "" {
		return binding.Argument{}, fmt.Errorf("argument %q: expected name:type", s)
	}

	typ, buffer := strings.CutSuffix(typ, "[]")
	return binding.Argument{Name: name, Type: typ, Buffer: buffer}, nil
}

func WrapHandler(cmd *cobra.Command, args []string) error {
	tgtName := envconfig.CPUTarget
	if s, _ := cmd.Flags().GetString("target"); s != "" {
		tgtName = s
	}
	tgt, err := target.Parse(tgtName)
	if err != nil {
		return err
	}

	fn := binding.Function{Name: args[0]}
	var errs []error
	for _, s := range args[1:] {
		arg, err := parseArgument(s)
		errs = append(errs, err)
		fn.Args = append(fn.Args, arg)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	src, err := binding.WrapperHeader(fn, tgt, binding.FlushMemoizeCache(envconfig.FlushMemoizeCache))
	if err != nil {
		return err
	}

	return writeOutput(cmd, src)
}

func writeOutput(cmd *cobra.Command, s string) error {
	path, _ := cmd.Flags().GetString("output")
	if path == "" {
		_, err := fmt.Fprint(cmd.OutOrStdout(), s)
		return err
	}
	return os.WriteFile(path, []byte(s), 0o644)
}
