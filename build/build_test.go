package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/hlops/binding"
	"github.com/jmorganca/hlops/generate"
	"github.com/jmorganca/hlops/header"
	"github.com/jmorganca/hlops/ops"
	"github.com/jmorganca/hlops/target"
	"github.com/jmorganca/hlops/types/errtypes"
)

// fakeToolchain records the invocation and writes a placeholder module.
type fakeToolchain struct {
	inv  Invocation
	err  error
	runs int
}

func (f *fakeToolchain) Build(_ context.Context, inv Invocation) error {
	f.runs++
	f.inv = inv
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(inv.Output, []byte("\x7fELF"), 0o755)
}

// fakeCompiler emits what the generator would: an object, a raw header and
// a wrapper header that carries an extra conflicting declaration.
type fakeCompiler struct{}

func (fakeCompiler) Compile(_ context.Context, u generate.Unit, dir string) error {
	fn := binding.Function{Name: u.Name()}
	for _, name := range []string{"input_a", "input_b", "output"} {
		fn.Args = append(fn.Args, binding.Argument{Name: name, Type: u.Type, Buffer: true})
	}

	wrapper, err := binding.WrapperHeader(fn, u.Target)
	if err != nil {
		return err
	}
	wrapper += "\nHALIDE_FUNCTION_ATTRS\ninline int " + u.Name() + "_argv_th_(void **args) {\n    return 0;\n}\n"

	outputs := u.Outputs(dir)
	for path, content := range map[string]string{
		outputs[0]: "!<arch>\n",
		outputs[1]: "int " + u.Name() + "(struct halide_buffer_t *);\n",
		outputs[2]: wrapper,
	} {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	out := t.TempDir()
	distrib := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(distrib, "include"), 0o755))
	return Config{
		OutputDir:       out,
		DistributionDir: distrib,
		ExtensionName:   "custom_halide_ops",
		SortArtifacts:   true,
	}
}

func compile(t *testing.T, dir string, pipelines ...generate.Pipeline) {
	t.Helper()
	host, err := target.Parse("host")
	require.NoError(t, err)

	units := generate.Plan(pipelines, []string{"float32"}, generate.Targets{CPU: host})
	d := generate.Driver{Compiler: fakeCompiler{}, Dir: dir}
	_, err = d.Run(context.Background(), units)
	require.NoError(t, err)
}

var addPipeline = generate.Pipeline{
	Name:          "add",
	Executable:    "bin/add.generator",
	Generator:     "add_generator",
	GradGenerator: "add_grad_generator",
}

func TestBuildAndDispatch(t *testing.T) {
	cfg := testConfig(t)
	compile(t, cfg.OutputDir, addPipeline)

	tc := &fakeToolchain{}
	var states []State
	b := New(cfg, WithToolchain(tc), WithStateFunc(func(s State) { states = append(states, s) }))

	res, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, b.State())
	assert.Equal(t, []State{Validated, HeadersPatched, BindingSynthesized, Built, Success}, states)

	assert.Equal(t, filepath.Join(cfg.OutputDir, "custom_halide_ops.so"), res.ModulePath)
	assert.FileExists(t, res.ModulePath)
	require.Len(t, res.Artifacts, 2)

	// headers were repaired in place
	for _, a := range res.Artifacts {
		src, err := os.ReadFile(a.WrapperHeaderPath)
		require.NoError(t, err)
		assert.True(t, header.IsRepaired(src), a.Name)

		blocks, err := header.Blocks(strings.Split(string(src), "\n"))
		require.NoError(t, err)
		assert.Len(t, blocks, 1, "the conflicting declaration is commented out")
		assert.Equal(t, a.Name+"_th_", blocks[0].Symbol)
	}

	wrapper, err := os.ReadFile(filepath.Join(cfg.OutputDir, WrapperSource))
	require.NoError(t, err)
	assert.Equal(t, binding.Synthesize([]string{"add_float32.h", "add_grad_float32.h"}, target.NoAccelerator), string(wrapper))

	assert.Equal(t, []string{filepath.Join(cfg.OutputDir, WrapperSource)}, tc.inv.Sources)
	assert.Equal(t, []string{filepath.Join(cfg.OutputDir, "add_float32.a"), filepath.Join(cfg.OutputDir, "add_grad_float32.a")}, tc.inv.Objects)
	assert.Equal(t, []string{cfg.OutputDir, filepath.Join(cfg.DistributionDir, "include")}, tc.inv.IncludeDirs)
	assert.Contains(t, tc.inv.CompileFlags, "-std=c++17")
	assert.Empty(t, tc.inv.Libraries)

	m, err := ops.LoadModule(res.ManifestPath, map[string]ops.Kernel{
		"add_float32_th_": func(args ...tensor.Tensor) error {
			a, b, out := args[0].Data().([]float32), args[1].Data().([]float32), args[2].Data().([]float32)
			for i := range out {
				out[i] = a[i] + b[i]
			}
			return nil
		},
		"add_grad_float32_th_": func(args ...tensor.Tensor) error {
			for _, grad := range args[3:] {
				copy(grad.Data().([]float32), args[2].Data().([]float32))
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, res.BuildID, m.BuildID)

	ones := func(v float32) ops.Tensor {
		data := make([]float32, 128)
		for i := range data {
			data[i] = v
		}
		return ops.FromBacking(data, ops.CPU, 1, 2, 8, 8)
	}

	out, err := ops.New(m, "add").Call(context.Background(), []ops.Tensor{ones(1), ones(3)})
	require.NoError(t, err)
	assert.Equal(t, ones(4).Data(), out[0].Data())

	grads, err := ops.New(m, "add_grad").Call(context.Background(), []ops.Tensor{ones(1), ones(3), ones(1)})
	require.NoError(t, err)
	require.Len(t, grads, 2)
	for _, g := range grads {
		assert.Equal(t, ones(1).Data(), g.Data())
	}

	_, err = ops.New(m, "add").Call(context.Background(), []ops.Tensor{
		ops.Zeros(tensor.Float64, ops.CPU, 1, 2, 8, 8),
		ops.Zeros(tensor.Float64, ops.CPU, 1, 2, 8, 8),
	})
	assert.ErrorIs(t, err, errtypes.ErrUnsupportedType)

	_, err = b.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestBuildRebuildKeepsHeaders(t *testing.T) {
	cfg := testConfig(t)
	compile(t, cfg.OutputDir, addPipeline)

	_, err := New(cfg, WithToolchain(&fakeToolchain{})).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(cfg.OutputDir, "add_float32.pytorch.h")
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = New(cfg, WithToolchain(&fakeToolchain{})).Run(context.Background())
	require.NoError(t, err)

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestBuildConfigurationErrors(t *testing.T) {
	valid := testConfig(t)
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	cases := []struct {
		name     string
		mutate   func(*Config)
		variable string
	}{
		{"unset output", func(c *Config) { c.OutputDir = "" }, "OUTPUT_DIR"},
		{"missing output", func(c *Config) { c.OutputDir = filepath.Join(c.OutputDir, "missing") }, "OUTPUT_DIR"},
		{"missing distribution", func(c *Config) { c.DistributionDir = filepath.Join(c.DistributionDir, "missing") }, "COMPILER_DISTRIBUTION_PATH"},
		{"distribution is a file", func(c *Config) { c.DistributionDir = file }, "COMPILER_DISTRIBUTION_PATH"},
		{"no extension name", func(c *Config) { c.ExtensionName = "" }, "HLOPS_EXTENSION_NAME"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			tc := &fakeToolchain{}
			b := New(cfg, WithToolchain(tc))
			_, err := b.Run(context.Background())

			var cerr *errtypes.ConfigurationError
			require.True(t, errors.As(err, &cerr), "got %v", err)
			assert.Equal(t, tt.variable, cerr.Variable)
			assert.Equal(t, BuildFailed, b.State())
			assert.Zero(t, tc.runs)
		})
	}

	// nothing was written to the output directory
	entries, err := os.ReadDir(valid.OutputDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBuildNoArtifacts(t *testing.T) {
	cfg := testConfig(t)
	b := New(cfg, WithToolchain(&fakeToolchain{}))

	_, err := b.Run(context.Background())
	assert.ErrorIs(t, err, errtypes.ErrNoArtifacts)
	assert.Equal(t, BuildFailed, b.State())
}

func TestBuildMalformedHeader(t *testing.T) {
	cfg := testConfig(t)
	compile(t, cfg.OutputDir, addPipeline)

	path := filepath.Join(cfg.OutputDir, "add_grad_float32.pytorch.h")
	require.NoError(t, os.WriteFile(path, []byte("HALIDE_FUNCTION_ATTRS\ninline int add_grad_float32_th_() {\n"), 0o644))

	tc := &fakeToolchain{}
	b := New(cfg, WithToolchain(tc))
	_, err := b.Run(context.Background())

	var perr *errtypes.HeaderPatchError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, path, perr.Path)
	assert.Equal(t, BuildFailed, b.State())
	assert.Zero(t, tc.runs)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, WrapperSource))
}

func TestBuildToolchainFailure(t *testing.T) {
	cfg := testConfig(t)
	compile(t, cfg.OutputDir, addPipeline)

	diag := "pybind_wrapper.cpp:3:10: fatal error: 'torch/extension.h' file not found\n"
	tc := &fakeToolchain{err: &errtypes.ToolchainError{Command: "c++", Diagnostic: diag, Err: errors.New("exit status 1")}}
	b := New(cfg, WithToolchain(tc))

	_, err := b.Run(context.Background())
	var terr *errtypes.ToolchainError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, diag, terr.Diagnostic)
	assert.Equal(t, BuildFailed, b.State())
	assert.NoFileExists(t, binding.ManifestPath(cfg.OutputDir, cfg.ExtensionName))
}

func TestInvocationAccelerator(t *testing.T) {
	cfg := Config{
		OutputDir:       "out/host",
		DistributionDir: "distrib",
		ExtensionName:   "ops",
		Accelerator:     target.CUDA,
		CUDAPath:        "/opt/cuda",
		ExtraLibraries:  []string{"m", "cuda"},
		IncludeDirs:     []string{"/opt/torch/include"},
		LinkFlags:       []string{"-ltorch"},
	}

	inv := cfg.Invocation([]string{"out/host/add_cuda_float32.a"})
	assert.Equal(t, []string{"cuda", "cudart", "m"}, inv.Libraries)
	assert.Equal(t, []string{"out/host", filepath.Join("distrib", "include"), "/opt/torch/include", filepath.Join("/opt/cuda", "include")}, inv.IncludeDirs)
	assert.Equal(t, []string{filepath.Join("/opt/cuda", "lib64"), "/usr/lib/wsl/lib"}, inv.LibraryDirs)
	assert.Contains(t, inv.CompileFlags, "-DTORCH_EXTENSION_NAME=ops")
	if runtime.GOOS == "darwin" {
		assert.Contains(t, inv.CompileFlags, "-stdlib=libc++")
	} else {
		assert.NotContains(t, inv.CompileFlags, "-stdlib=libc++")
	}

	args := inv.Args()
	assert.Equal(t, []string{"-shared", "-fPIC", "-std=c++17", "-g"}, args[:4])
	assert.Equal(t, []string{"-ltorch", "-o", filepath.Join("out/host", "ops.so")}, args[len(args)-3:])
	assert.Contains(t, args, "-lcudart")
	assert.Contains(t, args, "-L/usr/lib/wsl/lib")
}
