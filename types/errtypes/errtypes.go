// Package errtypes contains custom error types
package errtypes

import (
	"errors"
	"fmt"
	"strings"
)

const (
	ConfigurationErrMsg     = "invalid configuration"
	ArtifactDiscoveryErrMsg = "artifact discovery failed"
	HeaderPatchErrMsg       = "malformed header"
)

var (
	ErrUnsupportedType   = errors.New("unsupported type")
	ErrUnsupportedDevice = errors.New("unsupported device")
	ErrShapeMismatch     = errors.New("shape mismatch")

	ErrNoArtifacts = errors.New("directory contains no matching artifacts")
)

// ConfigurationError reports a missing or invalid required setting. It is
// raised before any file in the output directory is touched.
type ConfigurationError struct {
	Variable string
	Path     string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s is not set", ConfigurationErrMsg, e.Variable)
	}
	return fmt.Sprintf("%s: %s %q %s", ConfigurationErrMsg, e.Variable, e.Path, e.Reason)
}

type ArtifactDiscoveryError struct {
	Dir string
	Err error
}

func (e *ArtifactDiscoveryError) Error() string {
	return fmt.Sprintf("%s in %q: %v", ArtifactDiscoveryErrMsg, e.Dir, e.Err)
}

func (e *ArtifactDiscoveryError) Unwrap() error { return e.Err }

type HeaderPatchError struct {
	Path   string
	Line   int
	Symbol string
	Reason string
}

func (e *HeaderPatchError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %q", HeaderPatchErrMsg, e.Path)
	if e.Line > 0 {
		fmt.Fprintf(&sb, " line %d", e.Line)
	}
	if e.Symbol != "" {
		fmt.Fprintf(&sb, " (%s)", e.Symbol)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	return sb.String()
}

// ToolchainError carries the native compiler's diagnostic output unmodified.
type ToolchainError struct {
	Command    string
	Diagnostic string
	Err        error
}

func (e *ToolchainError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s: %v\n%s", e.Command, e.Err, e.Diagnostic)
}

func (e *ToolchainError) Unwrap() error { return e.Err }

type CompileError struct {
	Unit       string
	Diagnostic string
	Err        error
}

func (e *CompileError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("compile %s: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("compile %s: %v\n%s", e.Unit, e.Err, e.Diagnostic)
}

func (e *CompileError) Unwrap() error { return e.Err }

// DispatchError is returned by a single operation call. Kind is one of
// ErrUnsupportedType, ErrUnsupportedDevice or ErrShapeMismatch.
type DispatchError struct {
	Op     string
	Kind   error
	Detail string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Detail)
}

func (e *DispatchError) Unwrap() error { return e.Kind }
