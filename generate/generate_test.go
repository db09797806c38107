package generate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/target"
	"github.com/jmorganca/hlops/types/errtypes"
)

var add = Pipeline{
	Name:          "add",
	Executable:    "bin/add.generator",
	Generator:     "add_generator",
	GradGenerator: "add_grad_generator",
	Autodiff:      true,
	TypeParams:    []string{"input_a", "input_b"},
}

func testTargets(t *testing.T, accelerator bool) Targets {
	t.Helper()
	cpu, err := target.Parse("host")
	require.NoError(t, err)
	if !accelerator {
		return Targets{CPU: cpu}
	}
	cuda, err := target.Parse(envconfig.DefaultCUDATarget)
	require.NoError(t, err)
	return Targets{CPU: cpu, GPU: cuda}
}

func names(units []Unit) []string {
	var out []string
	for _, u := range units {
		out = append(out, u.Name())
	}
	return out
}

func TestPlan(t *testing.T) {
	units := Plan([]Pipeline{add}, []string{"float32", "float64"}, testTargets(t, true))

	expect := []string{
		"add_float32", "add_float64",
		"add_cuda_float32", "add_cuda_float64",
		"add_grad_float32", "add_grad_float64",
		"add_grad_cuda_float32", "add_grad_cuda_float64",
		"add_halidegrad_float32", "add_halidegrad_float64",
		"add_halidegrad_cuda_float32", "add_halidegrad_cuda_float64",
	}
	if diff := cmp.Diff(expect, names(units)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, "host-cuda-cuda_capability_61-user_context", units[2].Target.String())
	assert.Equal(t, "host", units[0].Target.String())
}

func TestPlanCPUOnly(t *testing.T) {
	p := Pipeline{Name: "blur", Executable: "bin/blur.generator", Generator: "blur_generator"}
	units := Plan([]Pipeline{p, add}, []string{"float32"}, testTargets(t, false))
	assert.Equal(t, []string{"blur_float32", "add_float32", "add_grad_float32", "add_halidegrad_float32"}, names(units))
}

func TestPlanMetal(t *testing.T) {
	cpu, err := target.Parse("host")
	require.NoError(t, err)
	metal, err := target.Parse(envconfig.DefaultMetalTarget)
	require.NoError(t, err)

	p := Pipeline{Name: "add", Executable: "bin/add.generator", Generator: "add_generator", GradGenerator: "add_grad_generator"}
	units := Plan([]Pipeline{p}, []string{"float32"}, Targets{CPU: cpu, GPU: metal})
	assert.Equal(t, []string{"add_float32", "add_mps_float32", "add_grad_float32", "add_grad_mps_float32"}, names(units))
	assert.Equal(t, target.Metal, units[1].Accelerator)
	assert.Equal(t, "host-metal-user_context", units[1].Target.String())

	// a gpu target without a runtime feature adds nothing
	units = Plan([]Pipeline{p}, []string{"float32"}, Targets{CPU: cpu, GPU: cpu})
	assert.Equal(t, []string{"add_float32", "add_grad_float32"}, names(units))
}

func TestTargetsDir(t *testing.T) {
	assert.Equal(t, filepath.Join("out", "host"), testTargets(t, true).Dir("out"))
}

func TestArgs(t *testing.T) {
	targets := testTargets(t, true)
	cases := []struct {
		unit   Unit
		expect []string
	}{
		{
			Unit{Pipeline: add, Variant: Forward, Target: targets.CPU, Type: "float32"},
			[]string{"-g", "add_generator", "-f", "add_float32", "-e", "static_library,h,pytorch_wrapper", "-o", "stage", "target=host", "input_a.type=float32", "input_b.type=float32"},
		},
		{
			Unit{Pipeline: add, Variant: Grad, Target: targets.GPU, Type: "float64", Accelerator: target.CUDA},
			[]string{"-g", "add_grad_generator", "-f", "add_grad_cuda_float64", "-e", "static_library,h,pytorch_wrapper", "-o", "stage", "target=host-cuda-cuda_capability_61-user_context", "input_a.type=float64", "input_b.type=float64"},
		},
		{
			Unit{Pipeline: add, Variant: HalideGrad, Target: targets.CPU, Type: "float32"},
			[]string{"-g", "add_generator", "-f", "add_halidegrad_float32", "-e", "static_library,h,pytorch_wrapper", "-o", "stage", "-d", "1", "target=host", "input_a.type=float32", "input_b.type=float32"},
		},
	}

	for _, tt := range cases {
		t.Run(tt.unit.Name(), func(t *testing.T) {
			if diff := cmp.Diff(tt.expect, Args(tt.unit, "stage")); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGradTypeParams(t *testing.T) {
	p := add
	p.GradTypeParams = []string{"input_a", "input_b", "d_output"}
	u := Unit{Pipeline: p, Variant: Grad, Type: "float32"}
	assert.Equal(t, p.GradTypeParams, u.TypeParams())

	u.Variant = Forward
	assert.Equal(t, p.TypeParams, u.TypeParams())
}

// fakeCompiler writes placeholder outputs, optionally failing named units.
type fakeCompiler struct {
	fail    map[string]bool
	partial bool
	delay   time.Duration

	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32

	mu    sync.Mutex
	order []string
}

func (c *fakeCompiler) Compile(ctx context.Context, u Unit, dir string) error {
	c.calls.Add(1)
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		m := c.maxSeen.Load()
		if n <= m || c.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay):
	}

	c.mu.Lock()
	c.order = append(c.order, u.Name())
	c.mu.Unlock()

	if c.fail[u.Name()] {
		return &errtypes.CompileError{Unit: u.Name(), Diagnostic: "generator: boom", Err: errors.New("exit status 1")}
	}

	outputs := u.Outputs(dir)
	if c.partial {
		outputs = outputs[:1]
	}
	for _, path := range outputs {
		if err := os.WriteFile(path, []byte(u.Name()), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func TestDriverRun(t *testing.T) {
	dir := t.TempDir()
	units := Plan([]Pipeline{add}, []string{"float32", "float64"}, testTargets(t, true))

	compiler := &fakeCompiler{delay: time.Millisecond}
	var seen atomic.Int32
	d := Driver{Compiler: compiler, Dir: dir, Parallelism: 4, OnResult: func(Result) { seen.Add(1) }}

	results, err := d.Run(context.Background(), units)
	require.NoError(t, err)
	require.Len(t, results, len(units))
	assert.EqualValues(t, len(units), seen.Load())

	for i, res := range results {
		assert.Equal(t, units[i].Name(), res.Unit.Name())
		assert.False(t, res.Skipped)
		for _, path := range res.Outputs {
			b, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, units[i].Name(), string(b))
		}
	}

	// staging directories are removed
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging"), e.Name())
	}
	assert.Len(t, entries, len(units)*len(Extensions))
	assert.LessOrEqual(t, compiler.maxSeen.Load(), int32(min(4, runtime.NumCPU())))
}

func TestDriverSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	units := Plan([]Pipeline{add}, []string{"float32"}, testTargets(t, false))

	compiler := &fakeCompiler{}
	d := Driver{Compiler: compiler, Dir: dir}
	_, err := d.Run(context.Background(), units)
	require.NoError(t, err)
	assert.EqualValues(t, len(units), compiler.calls.Load())

	results, err := d.Run(context.Background(), units)
	require.NoError(t, err)
	assert.EqualValues(t, len(units), compiler.calls.Load())
	for _, res := range results {
		assert.True(t, res.Skipped)
	}

	d.Force = true
	_, err = d.Run(context.Background(), units)
	require.NoError(t, err)
	assert.EqualValues(t, 2*len(units), compiler.calls.Load())
}

func TestDriverFailure(t *testing.T) {
	dir := t.TempDir()
	units := Plan([]Pipeline{add}, []string{"float32", "float64"}, testTargets(t, false))

	compiler := &fakeCompiler{fail: map[string]bool{"add_grad_float32": true}}
	d := Driver{Compiler: compiler, Dir: dir, Parallelism: 1}

	_, err := d.Run(context.Background(), units)
	var cerr *errtypes.CompileError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Equal(t, "add_grad_float32", cerr.Unit)
	assert.Equal(t, "generator: boom", cerr.Diagnostic)

	_, err = os.Stat(filepath.Join(dir, "add_grad_float32.pytorch.h"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDriverMissingOutputs(t *testing.T) {
	dir := t.TempDir()
	units := Plan([]Pipeline{add}, []string{"float32"}, testTargets(t, false))[:1]

	d := Driver{Compiler: &fakeCompiler{partial: true}, Dir: dir}
	_, err := d.Run(context.Background(), units)

	var cerr *errtypes.CompileError
	require.True(t, errors.As(err, &cerr), "got %v", err)
	assert.Contains(t, cerr.Error(), "missing output add_float32.h")

	// nothing is published from a failed unit
	_, err = os.Stat(filepath.Join(dir, "add_float32.a"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDriverCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	units := Plan([]Pipeline{add}, []string{"float32"}, testTargets(t, false))
	d := Driver{Compiler: &fakeCompiler{}, Dir: t.TempDir()}
	_, err := d.Run(ctx, units)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeneratorCompiler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script generator")
	}

	bin := t.TempDir()
	argsFile := filepath.Join(bin, "args")
	script := filepath.Join(bin, "add.generator")
	body := fmt.Sprintf(`#!/bin/sh
echo "$@" > %q
while [ $# -gt 0 ]; do
  case "$1" in
    -f) fn="$2"; shift ;;
    -o) out="$2"; shift ;;
  esac
  shift
done
touch "$out/$fn.a" "$out/$fn.h" "$out/$fn.pytorch.h"
`, argsFile)
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	p := add
	p.Executable = script
	units := Plan([]Pipeline{p}, []string{"float32"}, testTargets(t, false))[:1]

	dir := t.TempDir()
	d := Driver{Compiler: GeneratorCompiler{}, Dir: dir}
	results, err := d.Run(context.Background(), units)
	require.NoError(t, err)
	for _, path := range results[0].Outputs {
		assert.FileExists(t, path)
	}

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-g add_generator -f add_float32 -e static_library,h,pytorch_wrapper")
	assert.Contains(t, string(args), "target=host input_a.type=float32 input_b.type=float32")
}

func TestGeneratorCompilerFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script generator")
	}

	script := filepath.Join(t.TempDir(), "bad.generator")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'Error: unknown generator' >&2\nexit 1\n"), 0o755))

	p := add
	p.Executable = script
	u := Plan([]Pipeline{p}, []string{"float32"}, testTargets(t, false))[0]

	err := GeneratorCompiler{}.Compile(context.Background(), u, t.TempDir())
	var cerr *errtypes.CompileError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "Error: unknown generator", cerr.Diagnostic)
}

func TestGeneratorCompilerUserContext(t *testing.T) {
	cuda, err := target.Parse("host-cuda")
	require.NoError(t, err)

	u := Unit{Pipeline: add, Target: cuda, Type: "float32", Accelerator: target.CUDA}
	err = GeneratorCompiler{}.Compile(context.Background(), u, t.TempDir())
	assert.ErrorIs(t, err, target.ErrUserContext)
}

func TestParsePipeline(t *testing.T) {
	p, err := ParsePipeline("name=add, executable=bin/add.generator,generator=add_generator,grad_generator=add_grad_generator,autodiff=1,type_params=input_a:input_b")
	require.NoError(t, err)
	if diff := cmp.Diff(add, p); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	cases := map[string]string{
		"name=add,executable=x,generator=g,color=blue": "color",
		"name=add,executable=x":                        "generator or grad_generator is required",
		"name=add,executable":                          "expected key=value",
		"executable=x,generator=g":                     "name is required",
	}
	for in, msg := range cases {
		_, err := ParsePipeline(in)
		assert.ErrorContains(t, err, msg, in)
	}
}

func TestFromConfig(t *testing.T) {
	pipelines := FromConfig([]envconfig.Pipeline{{
		Name:          "add",
		Executable:    "bin/add.generator",
		Generator:     "add_generator",
		GradGenerator: "add_grad_generator",
		Autodiff:      true,
		TypeParams:    []string{"input_a", "input_b"},
	}})
	if diff := cmp.Diff([]Pipeline{add}, pipelines); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
