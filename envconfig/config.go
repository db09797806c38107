package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"unicode"
)

// Accelerator is the tri-state ACCELERATOR_ENABLED setting.
type Accelerator int

const (
	AcceleratorOff Accelerator = iota
	AcceleratorOn
	AcceleratorAuto
)

func (a Accelerator) String() string {
	switch a {
	case AcceleratorOn:
		return "true"
	case AcceleratorAuto:
		return "auto"
	default:
		return "false"
	}
}

var (
	// Set via OUTPUT_DIR (or BIN) in the environment
	OutputDir string
	// Set via COMPILER_DISTRIBUTION_PATH (or HALIDE_DISTRIB_PATH) in the environment
	DistributionDir string
	// Set via ACCELERATOR_ENABLED (or HAS_CUDA) in the environment
	AcceleratorMode Accelerator
	// Set via HLOPS_EXTENSION_NAME in the environment
	ExtensionName string
	// Set via HLOPS_CXX (or CXX) in the environment
	CXX string
	// Set via HLOPS_CUDA_PATH (or CUDA_PATH) in the environment
	CUDAPath string
	// Set via HLOPS_COMPILE_FLAGS in the environment
	CompileFlags []string
	// Set via HLOPS_LINK_FLAGS in the environment
	LinkFlags []string
	// Set via HLOPS_INCLUDE_DIRS in the environment
	IncludeDirs []string
	// Set via HLOPS_EXTRA_LIBRARIES in the environment
	ExtraLibraries []string
	// Set via HLOPS_PYTHON in the environment
	Python string
	// Set via HLOPS_ACCELERATOR in the environment
	AcceleratorRuntime string
	// Set via HLOPS_REMOVE_DIRTY_CHECK in the environment
	RemoveDirtyCheck bool
	// Set via HLOPS_SORT_ARTIFACTS in the environment
	SortArtifacts bool
	// Set via HLOPS_BIN in the environment
	BinDir string
	// Set via HLOPS_TYPES in the environment
	Types []string
	// Set via HLOPS_CPU_TARGET in the environment
	CPUTarget string
	// Set via HLOPS_CUDA_TARGET in the environment
	CUDATarget string
	// Set via HLOPS_METAL_TARGET in the environment
	MetalTarget string
	// Set via HLOPS_NUM_PARALLEL in the environment
	NumParallel int
	// Set via HLOPS_DEBUG in the environment
	Debug int
	// Set via FLUSH_MEMOIZE_CACHE in the environment
	FlushMemoizeCache bool
)

const (
	DefaultExtensionName = "custom_halide_ops"
	DefaultCPUTarget     = "host"
	DefaultCUDATarget    = "host-cuda-cuda_capability_61-user_context"
	DefaultMetalTarget   = "host-metal-user_context"
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"OUTPUT_DIR":                 {"OUTPUT_DIR", OutputDir, "Directory holding compiled pipeline artifacts (required for build)"},
		"COMPILER_DISTRIBUTION_PATH": {"COMPILER_DISTRIBUTION_PATH", DistributionDir, "Pipeline compiler distribution root (required for build)"},
		"ACCELERATOR_ENABLED":        {"ACCELERATOR_ENABLED", AcceleratorMode, "Build accelerator variants: true, false or auto (default false)"},
		"HLOPS_ACCELERATOR":          {"HLOPS_ACCELERATOR", AcceleratorRuntime, "Accelerator runtime: cuda or metal (default metal on macOS, cuda elsewhere)"},
		"HLOPS_EXTENSION_NAME":       {"HLOPS_EXTENSION_NAME", ExtensionName, "Name of the extension module (default \"" + DefaultExtensionName + "\")"},
		"HLOPS_CXX":                  {"HLOPS_CXX", CXX, "C++ compiler used to build the extension (default \"c++\")"},
		"HLOPS_CUDA_PATH":            {"HLOPS_CUDA_PATH", CUDAPath, "CUDA toolkit root (default \"/usr/local/cuda\")"},
		"HLOPS_COMPILE_FLAGS":        {"HLOPS_COMPILE_FLAGS", CompileFlags, "Extra compiler flags, space separated"},
		"HLOPS_LINK_FLAGS":           {"HLOPS_LINK_FLAGS", LinkFlags, "Extra linker flags, space separated (torch and python libraries when HLOPS_PYTHON cannot find them)"},
		"HLOPS_INCLUDE_DIRS":         {"HLOPS_INCLUDE_DIRS", IncludeDirs, "Extra include directories, path list separated (torch, pybind11 and python headers when HLOPS_PYTHON cannot find them)"},
		"HLOPS_EXTRA_LIBRARIES":      {"HLOPS_EXTRA_LIBRARIES", ExtraLibraries, "Extra libraries to link, comma or space separated"},
		"HLOPS_PYTHON":               {"HLOPS_PYTHON", Python, "Python interpreter with torch installed, queried for header and library paths (default \"python3\")"},
		"HLOPS_REMOVE_DIRTY_CHECK":   {"HLOPS_REMOVE_DIRTY_CHECK", RemoveDirtyCheck, "Strip host_dirty() checks from generated headers"},
		"HLOPS_SORT_ARTIFACTS":       {"HLOPS_SORT_ARTIFACTS", SortArtifacts, "Sort discovered artifacts by name before binding"},
		"HLOPS_BIN":                  {"HLOPS_BIN", BinDir, "Root of compiled artifacts (default \"out\")"},
		"HLOPS_TYPES":                {"HLOPS_TYPES", Types, "Numeric types to compile, comma separated"},
		"HLOPS_CPU_TARGET":           {"HLOPS_CPU_TARGET", CPUTarget, "CPU compile target (default \"" + DefaultCPUTarget + "\")"},
		"HLOPS_CUDA_TARGET":          {"HLOPS_CUDA_TARGET", CUDATarget, "CUDA compile target"},
		"HLOPS_METAL_TARGET":         {"HLOPS_METAL_TARGET", MetalTarget, "Metal compile target"},
		"HLOPS_NUM_PARALLEL":         {"HLOPS_NUM_PARALLEL", NumParallel, "Maximum number of concurrent pipeline compilations (default number of CPUs)"},
		"HLOPS_DEBUG":                {"HLOPS_DEBUG", Debug, "Show additional debug information (1 debug, 2 trace)"},
		"FLUSH_MEMOIZE_CACHE":        {"FLUSH_MEMOIZE_CACHE", FlushMemoizeCache, "Generated wrappers flush the memoization cache after each call"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup returns the first non-empty environment value among names, falling
// back to the configuration file entry for the first name.
func lookup(names ...string) string {
	for _, name := range names {
		if v := clean(name); v != "" {
			return v
		}
	}
	return GetConfigValue(names[0])
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	OutputDir = lookup("OUTPUT_DIR", "BIN")
	DistributionDir = lookup("COMPILER_DISTRIBUTION_PATH", "HALIDE_DISTRIB_PATH")

	AcceleratorMode = AcceleratorOff
	if v := clean("ACCELERATOR_ENABLED"); v != "" {
		AcceleratorMode = parseAccelerator("ACCELERATOR_ENABLED", v)
	} else if v := clean("HAS_CUDA"); v != "" {
		// the legacy variable is enabled by anything other than "0"
		if v != "0" {
			AcceleratorMode = AcceleratorOn
		}
	} else if v := GetConfigValue("ACCELERATOR_ENABLED"); v != "" {
		AcceleratorMode = parseAccelerator("accelerator", v)
	}

	ExtensionName = lookup("HLOPS_EXTENSION_NAME")
	if ExtensionName == "" {
		ExtensionName = DefaultExtensionName
	}

	CXX = lookup("HLOPS_CXX", "CXX")
	if CXX == "" {
		CXX = "c++"
	}

	CUDAPath = lookup("HLOPS_CUDA_PATH", "CUDA_PATH")
	if CUDAPath == "" {
		CUDAPath = "/usr/local/cuda"
	}

	CompileFlags = strings.Fields(lookup("HLOPS_COMPILE_FLAGS"))
	LinkFlags = strings.Fields(lookup("HLOPS_LINK_FLAGS"))

	IncludeDirs = nil
	if dirs := lookup("HLOPS_INCLUDE_DIRS"); dirs != "" {
		for _, dir := range filepath.SplitList(dirs) {
			if dir = strings.TrimSpace(dir); dir != "" {
				IncludeDirs = append(IncludeDirs, dir)
			}
		}
	}

	ExtraLibraries = strings.FieldsFunc(lookup("HLOPS_EXTRA_LIBRARIES"), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})

	Python = lookup("HLOPS_PYTHON")
	if Python == "" {
		Python = "python3"
	}

	AcceleratorRuntime = strings.ToLower(lookup("HLOPS_ACCELERATOR"))

	RemoveDirtyCheck = parseBool("HLOPS_REMOVE_DIRTY_CHECK", lookup("HLOPS_REMOVE_DIRTY_CHECK"))
	SortArtifacts = parseBool("HLOPS_SORT_ARTIFACTS", lookup("HLOPS_SORT_ARTIFACTS"))
	FlushMemoizeCache = clean("FLUSH_MEMOIZE_CACHE") == "1"

	BinDir = lookup("HLOPS_BIN")
	if BinDir == "" {
		BinDir = "out"
	}

	Types = nil
	if types := lookup("HLOPS_TYPES"); types != "" {
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				Types = append(Types, t)
			}
		}
	}
	if len(Types) == 0 {
		Types = []string{"float32", "float64"}
	}

	CPUTarget = lookup("HLOPS_CPU_TARGET")
	if CPUTarget == "" {
		CPUTarget = DefaultCPUTarget
	}
	CUDATarget = lookup("HLOPS_CUDA_TARGET")
	if CUDATarget == "" {
		CUDATarget = DefaultCUDATarget
	}
	MetalTarget = lookup("HLOPS_METAL_TARGET")
	if MetalTarget == "" {
		MetalTarget = DefaultMetalTarget
	}

	NumParallel = runtime.NumCPU()
	if onp := lookup("HLOPS_NUM_PARALLEL"); onp != "" {
		val, err := strconv.Atoi(onp)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "HLOPS_NUM_PARALLEL", onp, "error", err)
		} else {
			NumParallel = min(val, runtime.NumCPU())
		}
	}

	Debug = 0
	if debug := lookup("HLOPS_DEBUG"); debug != "" {
		if d, err := strconv.Atoi(debug); err == nil {
			Debug = d
		} else if b, err := strconv.ParseBool(debug); err == nil {
			if b {
				Debug = 1
			}
		} else {
			Debug = 1
		}
	}
}

func parseAccelerator(name, v string) Accelerator {
	if strings.EqualFold(v, "auto") {
		return AcceleratorAuto
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Error("invalid setting, ignoring", name, v, "error", err)
		return AcceleratorOff
	}
	if b {
		return AcceleratorOn
	}
	return AcceleratorOff
}

func parseBool(name, v string) bool {
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Error("invalid setting, ignoring", name, v, "error", err)
		return false
	}
	return b
}
