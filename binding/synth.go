// Package binding generates the C++ glue that registers every compiled
// pipeline with the host tensor runtime, the per-pipeline wrapper headers
// and the manifest describing a built extension module.
package binding

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jmorganca/hlops/header"
	"github.com/jmorganca/hlops/target"
)

const (
	ExtensionHeader   = "torch/extension.h"
	HelpersHeader     = "HalidePyTorchHelpers.h"
	CUDAHelperHeader  = "HalidePyTorchCudaHelpers.h"
	MetalHelperHeader = "HalidePyTorchMetalHelpers.h"

	// WrapperSuffix is the file name suffix of a wrapper header.
	WrapperSuffix = ".pytorch.h"
)

// Stem strips the directory and the last extension from a raw header name:
// "out/host/add_float32.h" becomes "add_float32".
func Stem(headerFile string) string {
	base := filepath.Base(headerFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Synthesize renders the module definition source for headers, which are
// raw header file names in registration order. Each header yields one
// include of its wrapper header and one registration of its entry point.
// The accelerator's runtime hooks are included once, ahead of the wrappers.
func Synthesize(headers []string, accelerator target.Accelerator) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "#include %q\n\n", ExtensionHeader)
	switch accelerator {
	case target.CUDA:
		fmt.Fprintf(&sb, "#include %q\n", CUDAHelperHeader)
	case target.Metal:
		fmt.Fprintf(&sb, "#include %q\n", MetalHelperHeader)
	}
	fmt.Fprintf(&sb, "#include %q\n", HelpersHeader)
	for _, h := range headers {
		fmt.Fprintf(&sb, "#include %q\n", Stem(h)+WrapperSuffix)
	}

	sb.WriteString("\nPYBIND11_MODULE(TORCH_EXTENSION_NAME, m) {\n")
	for _, h := range headers {
		name := Stem(h)
		fmt.Fprintf(&sb, "  m.def(%q, &%s, \"PyTorch wrapper of the Halide pipeline %s\");\n", name, header.EntryPoint(name), name)
	}
	sb.WriteString("}\n")

	return sb.String()
}
