package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jmorganca/hlops/types/errtypes"
)

// Invocation is one compile-and-link of the extension module.
type Invocation struct {
	Sources      []string
	Objects      []string
	IncludeDirs  []string
	LibraryDirs  []string
	Libraries    []string
	CompileFlags []string
	LinkFlags    []string
	Output       string
}

// Args renders inv as a shared library compiler command line.
func (inv Invocation) Args() []string {
	args := []string{"-shared", "-fPIC"}
	args = append(args, inv.CompileFlags...)
	for _, dir := range inv.IncludeDirs {
		args = append(args, "-I"+dir)
	}
	args = append(args, inv.Sources...)
	args = append(args, inv.Objects...)
	for _, dir := range inv.LibraryDirs {
		args = append(args, "-L"+dir)
	}
	for _, lib := range inv.Libraries {
		args = append(args, "-l"+lib)
	}
	args = append(args, inv.LinkFlags...)
	return append(args, "-o", inv.Output)
}

// Toolchain produces the extension module described by an invocation.
type Toolchain interface {
	Build(ctx context.Context, inv Invocation) error
}

// CommandToolchain runs a C++ compiler driver.
type CommandToolchain struct {
	CXX string
	Env []string

	// Stderr receives compiler diagnostics as they are produced.
	Stderr io.Writer
}

func (c CommandToolchain) Build(ctx context.Context, inv Invocation) error {
	cxx := c.CXX
	if cxx == "" {
		cxx = "c++"
	}

	if err := os.MkdirAll(filepath.Dir(inv.Output), 0o755); err != nil {
		return err
	}

	status := NewStatusWriter(c.Stderr)
	cmd := exec.CommandContext(ctx, cxx, inv.Args()...)
	cmd.Stdout = status
	cmd.Stderr = status
	cmd.Env = append(os.Environ(), c.Env...)

	slog.Info("building extension", "output", inv.Output)
	slog.Debug("toolchain command", "command", cmd.String())
	if err := cmd.Run(); err != nil {
		if status.LastErrMsg != "" {
			err = fmt.Errorf("%w: %s", err, status.LastErrMsg)
		}
		return &errtypes.ToolchainError{
			Command:    cxx + " " + strings.Join(inv.Args(), " "),
			Diagnostic: status.Diagnostic(),
			Err:        err,
		}
	}

	return nil
}

// CheckDependencies verifies each tool is installed and functioning enough
// to print its version.
func CheckDependencies(ctx context.Context, tools ...string) error {
	var err error
	for _, tool := range tools {
		slog.Debug("checking for tool", "name", tool)
		cmd := exec.CommandContext(ctx, tool, "--version")
		if out, cerr := cmd.CombinedOutput(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", tool, cerr))
		} else {
			first, _, _ := strings.Cut(string(out), "\n")
			slog.Debug("found tool", "name", tool, "version", strings.TrimSpace(first))
		}
	}
	return err
}
