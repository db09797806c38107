package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"

	"github.com/jmorganca/hlops/target"
)

// torchScript prints where the interpreter's torch package keeps the headers
// and libraries extensions build against, plus the suffix it imports
// extension modules from. The torch include dir also carries pybind11.
const torchScript = `import json, sysconfig
from torch.utils import cpp_extension
print(json.dumps({
    "include_dirs": cpp_extension.include_paths() + [sysconfig.get_paths()["include"]],
    "library_dirs": cpp_extension.library_paths(),
    "suffix": sysconfig.get_config_var("EXT_SUFFIX") or ".so",
}))`

// Torch describes a torch installation as its interpreter reports it.
type Torch struct {
	IncludeDirs []string `json:"include_dirs"`
	LibraryDirs []string `json:"library_dirs"`
	Suffix      string   `json:"suffix"`
}

// FindTorch asks python for the torch header and library paths.
func FindTorch(ctx context.Context, python string) (Torch, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, python, "-c", torchScript)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("looking up torch", "python", python)
	if err := cmd.Run(); err != nil {
		if msg := lastLine(stderr.String()); msg != "" {
			return Torch{}, fmt.Errorf("find torch with %s: %w: %s", python, err, msg)
		}
		return Torch{}, fmt.Errorf("find torch with %s: %w", python, err)
	}

	var t Torch
	if err := json.Unmarshal(stdout.Bytes(), &t); err != nil {
		return Torch{}, fmt.Errorf("find torch with %s: %w", python, err)
	}
	if len(t.IncludeDirs) == 0 {
		return Torch{}, fmt.Errorf("find torch with %s: no include directories reported", python)
	}

	slog.Debug("found torch", "include_dirs", t.IncludeDirs, "library_dirs", t.LibraryDirs, "suffix", t.Suffix)
	return t, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Libraries are the torch libraries an extension for accelerator links.
func (t Torch) Libraries(accelerator target.Accelerator) []string {
	libs := []string{"c10", "torch", "torch_cpu", "torch_python"}
	if accelerator == target.CUDA {
		libs = append(libs, "c10_cuda", "torch_cuda")
	}
	return libs
}

// WithTorch returns a copy of c that builds against t. Directories already
// configured keep precedence.
func (c Config) WithTorch(t Torch) Config {
	out := c
	out.IncludeDirs = appendMissing(slices.Clone(c.IncludeDirs), t.IncludeDirs...)
	out.LibraryDirs = appendMissing(slices.Clone(c.LibraryDirs), t.LibraryDirs...)
	out.ExtraLibraries = appendMissing(slices.Clone(c.ExtraLibraries), t.Libraries(c.Accelerator)...)
	if out.ModuleSuffix == "" {
		out.ModuleSuffix = t.Suffix
	}
	return out
}

func appendMissing(s []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(s, item) {
			s = append(s, item)
		}
	}
	return s
}
