package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	OutputDir     string `toml:"output_dir"`
	Distribution  string `toml:"distribution"`
	ExtensionName string `toml:"extension_name"`
	Accelerator   string `toml:"accelerator"`

	AcceleratorRuntime string `toml:"accelerator_runtime"`

	Build struct {
		CXX              string   `toml:"cxx"`
		CompileFlags     []string `toml:"compile_flags"`
		LinkFlags        []string `toml:"link_flags"`
		IncludeDirs      []string `toml:"include_dirs"`
		Libraries        []string `toml:"libraries"`
		Python           string   `toml:"python"`
		CUDAPath         string   `toml:"cuda_path"`
		RemoveDirtyCheck bool     `toml:"remove_dirty_check"`
		SortArtifacts    bool     `toml:"sort_artifacts"`
	} `toml:"build"`

	Compile struct {
		Bin         string   `toml:"bin"`
		Types       []string `toml:"types"`
		CPUTarget   string   `toml:"cpu_target"`
		CUDATarget  string   `toml:"cuda_target"`
		MetalTarget string   `toml:"metal_target"`
		NumParallel int      `toml:"num_parallel"`
	} `toml:"compile"`

	Pipelines []Pipeline `toml:"pipeline"`

	Logging struct {
		Debug int `toml:"debug"`
	} `toml:"logging"`
}

// Pipeline declares one generator to compile. GradGenerator names the
// hand-written derivative generator; Autodiff also compiles the
// compiler-derived gradient of Generator.
type Pipeline struct {
	Name          string   `toml:"name"`
	Executable    string   `toml:"executable"`
	Generator     string   `toml:"generator"`
	GradGenerator string   `toml:"grad_generator"`
	Autodiff      bool     `toml:"autodiff"`
	TypeParams    []string `toml:"type_params"`

	GradTypeParams []string `toml:"grad_type_params"`
}

var (
	configOnce sync.Once
	config     *Config
	configPath string
)

// GetConfigPaths returns the list of possible config file paths, most
// specific first.
func GetConfigPaths() []string {
	var paths []string
	if p := clean("HLOPS_CONFIG"); p != "" {
		paths = append(paths, p)
	}

	paths = append(paths, "hlops.toml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		paths = append(paths, filepath.Join(xdgConfig, "hlops", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hlops", "config.toml"))
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

func loadOnce() {
	configOnce.Do(func() {
		var err error
		config, configPath, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configPath)
		}
	})
}

// File returns the parsed configuration file, or an empty Config when no
// file was found.
func File() *Config {
	loadOnce()
	if config == nil {
		return &Config{}
	}
	return config
}

// FilePath returns the path of the loaded configuration file, if any.
func FilePath() string {
	loadOnce()
	return configPath
}

// ReloadConfigFile forgets the cached configuration file and reloads the
// environment.
func ReloadConfigFile() {
	configOnce = sync.Once{}
	config, configPath = nil, ""
	LoadConfig()
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	loadOnce()
	if config == nil {
		return ""
	}

	switch key {
	case "OUTPUT_DIR":
		return config.OutputDir
	case "COMPILER_DISTRIBUTION_PATH":
		return config.Distribution
	case "ACCELERATOR_ENABLED":
		return config.Accelerator
	case "HLOPS_ACCELERATOR":
		return config.AcceleratorRuntime
	case "HLOPS_EXTENSION_NAME":
		return config.ExtensionName
	case "HLOPS_CXX":
		return config.Build.CXX
	case "HLOPS_CUDA_PATH":
		return config.Build.CUDAPath
	case "HLOPS_COMPILE_FLAGS":
		return strings.Join(config.Build.CompileFlags, " ")
	case "HLOPS_LINK_FLAGS":
		return strings.Join(config.Build.LinkFlags, " ")
	case "HLOPS_INCLUDE_DIRS":
		return strings.Join(config.Build.IncludeDirs, string(os.PathListSeparator))
	case "HLOPS_EXTRA_LIBRARIES":
		return strings.Join(config.Build.Libraries, ",")
	case "HLOPS_PYTHON":
		return config.Build.Python
	case "HLOPS_REMOVE_DIRTY_CHECK":
		if config.Build.RemoveDirtyCheck {
			return "true"
		}
	case "HLOPS_SORT_ARTIFACTS":
		if config.Build.SortArtifacts {
			return "true"
		}
	case "HLOPS_BIN":
		return config.Compile.Bin
	case "HLOPS_TYPES":
		return strings.Join(config.Compile.Types, ",")
	case "HLOPS_CPU_TARGET":
		return config.Compile.CPUTarget
	case "HLOPS_CUDA_TARGET":
		return config.Compile.CUDATarget
	case "HLOPS_METAL_TARGET":
		return config.Compile.MetalTarget
	case "HLOPS_NUM_PARALLEL":
		if config.Compile.NumParallel > 0 {
			return strconv.Itoa(config.Compile.NumParallel)
		}
	case "HLOPS_DEBUG":
		if config.Logging.Debug > 0 {
			return strconv.Itoa(config.Logging.Debug)
		}
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# hlops configuration file

# Directory holding the compiled pipeline artifacts (OUTPUT_DIR)
output_dir = "out/host"
# Compiler distribution root, must contain include/ (COMPILER_DISTRIBUTION_PATH)
distribution = "../../distrib"
# Name of the loadable extension module
extension_name = "custom_halide_ops"
# "true", "false" or "auto" (ACCELERATOR_ENABLED)
accelerator = "false"
# "cuda" or "metal", defaults to metal on macOS and cuda elsewhere
accelerator_runtime = ""

[build]
cxx = "c++"
# Interpreter with torch installed. Its torch, pybind11 and python header
# and library paths, and the extension module suffix, are added to the
# build. Without it, list them in include_dirs and link_flags, e.g.
#   include_dirs = ["<site-packages>/torch/include",
#                   "<site-packages>/torch/include/torch/csrc/api/include",
#                   "/usr/include/python3.11"]
#   link_flags = ["-L<site-packages>/torch/lib", "-lc10", "-ltorch", "-ltorch_cpu", "-ltorch_python"]
python = "python3"
compile_flags = []
link_flags = []
include_dirs = []
libraries = []
cuda_path = "/usr/local/cuda"
remove_dirty_check = false
sort_artifacts = false

[compile]
bin = "out"
types = ["float32", "float64"]
cpu_target = "host"
cuda_target = "host-cuda-cuda_capability_61-user_context"
metal_target = "host-metal-user_context"
num_parallel = 0

[[pipeline]]
name = "add"
executable = "bin/add.generator"
generator = "add_generator"
grad_generator = "add_grad_generator"
autodiff = true
type_params = ["input_a", "input_b"]
# defaults to type_params
grad_type_params = ["input_a", "input_b", "d_output"]

[logging]
# 1 = debug, 2 = trace
debug = 0
`
}
