package build

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/jmorganca/hlops/envconfig"
	"github.com/jmorganca/hlops/target"
	"github.com/jmorganca/hlops/types/errtypes"
)

const (
	// WrapperSource is the synthesized module definition, written to the
	// output directory.
	WrapperSource = "pybind_wrapper.cpp"

	// wslLibDir holds libcuda on WSL installs.
	wslLibDir = "/usr/lib/wsl/lib"

	defaultModuleSuffix = ".so"
)

// Config is read-only for the duration of a build.
type Config struct {
	OutputDir       string
	DistributionDir string
	Accelerator     target.Accelerator
	ExtensionName   string

	CXX            string
	CUDAPath       string
	CompileFlags   []string
	LinkFlags      []string
	IncludeDirs    []string
	LibraryDirs    []string
	ExtraLibraries []string

	// ModuleSuffix is the file name suffix the interpreter loads extension
	// modules from, ".so" when empty.
	ModuleSuffix string

	RemoveDirtyCheck bool
	SortArtifacts    bool
}

// FromEnv builds a Config from envconfig. An "auto" accelerator setting
// looks for a device.
func FromEnv(ctx context.Context) Config {
	return Config{
		OutputDir:        envconfig.OutputDir,
		DistributionDir:  envconfig.DistributionDir,
		Accelerator:      AcceleratorFromEnv(ctx),
		ExtensionName:    envconfig.ExtensionName,
		CXX:              envconfig.CXX,
		CUDAPath:         envconfig.CUDAPath,
		CompileFlags:     envconfig.CompileFlags,
		LinkFlags:        envconfig.LinkFlags,
		IncludeDirs:      envconfig.IncludeDirs,
		ExtraLibraries:   envconfig.ExtraLibraries,
		RemoveDirtyCheck: envconfig.RemoveDirtyCheck,
		SortArtifacts:    envconfig.SortArtifacts,
	}
}

// AcceleratorFromEnv resolves ACCELERATOR_ENABLED and HLOPS_ACCELERATOR to
// a runtime. Enabled without a runtime means the platform's native one;
// "auto" keeps the runtime only when a device for it is found.
func AcceleratorFromEnv(ctx context.Context) target.Accelerator {
	if envconfig.AcceleratorMode == envconfig.AcceleratorOff {
		return target.NoAccelerator
	}

	accel, err := target.ParseAccelerator(envconfig.AcceleratorRuntime)
	if err != nil {
		slog.Warn("invalid setting, using the native accelerator", "HLOPS_ACCELERATOR", envconfig.AcceleratorRuntime, "error", err)
	}
	if accel == target.NoAccelerator {
		accel = target.Native()
	}

	if envconfig.AcceleratorMode == envconfig.AcceleratorAuto {
		if detected := target.Detect(ctx); detected != accel {
			slog.Debug("accelerator not detected", "runtime", accel, "detected", detected)
			return target.NoAccelerator
		}
	}
	return accel
}

// TargetFor returns the configured compile target of an accelerator
// runtime.
func TargetFor(a target.Accelerator) string {
	switch a {
	case target.CUDA:
		return envconfig.CUDATarget
	case target.Metal:
		return envconfig.MetalTarget
	default:
		return ""
	}
}

// Validate checks the required directories. It never touches the file
// system beyond stat calls.
func (c Config) Validate() error {
	for _, v := range []struct {
		name, path string
	}{
		{"OUTPUT_DIR", c.OutputDir},
		{"COMPILER_DISTRIBUTION_PATH", c.DistributionDir},
	} {
		if v.path == "" {
			return &errtypes.ConfigurationError{Variable: v.name}
		}

		fi, err := os.Stat(v.path)
		switch {
		case err != nil:
			return &errtypes.ConfigurationError{Variable: v.name, Path: v.path, Reason: "does not exist"}
		case !fi.IsDir():
			return &errtypes.ConfigurationError{Variable: v.name, Path: v.path, Reason: "is not a directory"}
		}
	}

	if c.ExtensionName == "" {
		return &errtypes.ConfigurationError{Variable: "HLOPS_EXTENSION_NAME"}
	}

	return nil
}

// Libraries returns the deduplicated, sorted set of libraries to link.
func (c Config) Libraries() []string {
	libs := slices.Clone(c.ExtraLibraries)
	if c.Accelerator == target.CUDA {
		// pipelines call the driver API directly, not only the runtime
		libs = append(libs, "cuda", "cudart")
	}
	slices.Sort(libs)
	return slices.Compact(libs)
}

// Invocation composes the toolchain call for objects.
func (c Config) Invocation(objects []string) Invocation {
	flags := []string{"-std=c++17", "-g"}
	var linkFlags []string
	if runtime.GOOS == "darwin" {
		flags = append(flags, "-stdlib=libc++")
		// python symbols resolve against the loading interpreter
		linkFlags = append(linkFlags, "-undefined", "dynamic_lookup")
	}
	flags = append(flags, "-DTORCH_EXTENSION_NAME="+c.ExtensionName)
	flags = append(flags, c.CompileFlags...)

	if c.Accelerator == target.Metal {
		linkFlags = append(linkFlags, "-framework", "Metal", "-framework", "Foundation")
	}

	inv := Invocation{
		Sources:      []string{filepath.Join(c.OutputDir, WrapperSource)},
		Objects:      objects,
		IncludeDirs:  append([]string{c.OutputDir, filepath.Join(c.DistributionDir, "include")}, c.IncludeDirs...),
		LibraryDirs:  slices.Clone(c.LibraryDirs),
		Libraries:    c.Libraries(),
		CompileFlags: flags,
		LinkFlags:    append(linkFlags, c.LinkFlags...),
		Output:       c.ModulePath(),
	}

	if c.Accelerator == target.CUDA {
		cuda := c.CUDAPath
		if cuda == "" {
			cuda = "/usr/local/cuda"
		}
		inv.IncludeDirs = append(inv.IncludeDirs, filepath.Join(cuda, "include"))
		inv.LibraryDirs = append(inv.LibraryDirs, filepath.Join(cuda, "lib64"), wslLibDir)
	}

	return inv
}

// ModulePath is where the built extension module is written.
func (c Config) ModulePath() string {
	suffix := c.ModuleSuffix
	if suffix == "" {
		suffix = defaultModuleSuffix
	}
	return filepath.Join(c.OutputDir, c.ExtensionName+suffix)
}
