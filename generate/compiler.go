package generate

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/jmorganca/hlops/logutil"
	"github.com/jmorganca/hlops/types/errtypes"
)

// Compiler compiles a unit into dir, producing the files named by
// Unit.Outputs.
type Compiler interface {
	Compile(ctx context.Context, u Unit, dir string) error
}

// GeneratorCompiler runs the pipeline's generator executable.
type GeneratorCompiler struct {
	Env []string
}

// Args returns the generator command line for u writing into dir.
func Args(u Unit, dir string) []string {
	args := []string{
		"-g", u.Generator(),
		"-f", u.Name(),
		"-e", "static_library,h,pytorch_wrapper",
		"-o", dir,
	}
	if u.Variant == HalideGrad {
		args = append(args, "-d", "1")
	}
	args = append(args, "target="+u.Target.String())
	for _, param := range u.TypeParams() {
		args = append(args, param+".type="+u.Type)
	}
	return args
}

func (c GeneratorCompiler) Compile(ctx context.Context, u Unit, dir string) error {
	if err := u.Target.CheckWrapper(); err != nil {
		return &errtypes.CompileError{Unit: u.Name(), Err: err}
	}
	if u.Generator() == "" {
		return &errtypes.CompileError{Unit: u.Name(), Err: errors.New("no generator for variant")}
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, u.Pipeline.Executable, Args(u, dir)...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.Env = append(os.Environ(), c.Env...)

	slog.Debug("compiling pipeline", "unit", u.Name(), "command", cmd.String())
	if err := cmd.Run(); err != nil {
		return &errtypes.CompileError{Unit: u.Name(), Diagnostic: strings.TrimSpace(out.String()), Err: err}
	}

	if out.Len() > 0 {
		logutil.TraceContext(ctx, "generator output", "unit", u.Name(), "output", out.String())
	}
	return nil
}
