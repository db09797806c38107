// Package header repairs the tensor wrapper headers emitted by the pipeline
// compiler.
//
// The compiler's C++ code generator emits, next to the scheduled entry point
// <pipeline>_th_, a second attribute-prefixed inline declaration that
// conflicts with it. Repair parses the header into top-level declaration
// blocks, keeps the block that declares <pipeline>_th_ and disables every
// other one. A sentinel line marks a header as repaired so rebuilds leave it
// alone.
package header

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jmorganca/hlops/logutil"
	"github.com/jmorganca/hlops/types/errtypes"
)

const (
	// Sentinel is appended as the last line of a repaired header.
	Sentinel = "//HL_HEADER_FIXED"

	// AttributeMarker precedes every generated entry point declaration.
	AttributeMarker = "HALIDE_FUNCTION_ATTRS"

	// DirtyCheck is the result-buffer device synchronization assertion.
	DirtyCheck = "host_dirty()"

	// EntryPointSuffix is appended to the pipeline name to form the
	// host-callable symbol.
	EntryPointSuffix = "_th_"
)

var declRe = regexp.MustCompile(`\binline\s+int\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// Block is a top-level declaration introduced by AttributeMarker. Start and
// End are zero-based, inclusive line indexes; Start is the attribute line.
type Block struct {
	Symbol string
	Start  int
	End    int
}

type Result struct {
	Path    string
	Skipped bool

	Blocks             []Block
	Disabled           []string
	DirtyChecksRemoved int
}

type options struct {
	removeDirtyCheck bool
}

type Option func(*options)

// RemoveDirtyCheck drops every line containing DirtyCheck when enabled.
func RemoveDirtyCheck(enabled bool) Option {
	return func(o *options) {
		o.removeDirtyCheck = enabled
	}
}

// EntryPoint returns the scheduled entry point symbol of pipeline.
func EntryPoint(pipeline string) string {
	return pipeline + EntryPointSuffix
}

// Repair rewrites the header at path in place. A header that already carries
// the sentinel is left untouched and reported as skipped. Malformed headers
// return a *errtypes.HeaderPatchError and are not modified.
func Repair(pipeline, path string, opts ...Option) (Result, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Result{Path: path}, err
	}

	out, res, err := Rewrite(pipeline, src, opts...)
	res.Path = path
	if err != nil {
		var perr *errtypes.HeaderPatchError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return res, err
	}

	if res.Skipped {
		slog.Debug("header already repaired", "path", path)
		return res, nil
	}

	if err := writeFile(path, out); err != nil {
		return res, fmt.Errorf("write header: %w", err)
	}

	slog.Info("repaired header", "path", path, "pipeline", pipeline, "disabled", len(res.Disabled), "dirty_checks_removed", res.DirtyChecksRemoved)
	return res, nil
}

// Rewrite is the pure form of Repair.
func Rewrite(pipeline string, src []byte, opts ...Option) ([]byte, Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	lines := splitLines(string(src))
	if repaired(lines) {
		return src, Result{Skipped: true}, nil
	}

	blocks, err := Blocks(lines)
	if err != nil {
		return nil, Result{}, err
	}

	res := Result{Blocks: blocks}
	want := EntryPoint(pipeline)
	starts := make(map[int]string)
	ends := make(map[int]string)
	for _, b := range blocks {
		if b.Symbol == want {
			logutil.Trace("keeping declaration", "symbol", b.Symbol, "lines", fmt.Sprintf("%d-%d", b.Start+1, b.End+1))
			continue
		}

		open, end := "/*", "*/"
		if closesComment(lines[b.Start : b.End+1]) {
			open, end = "#if 0", "#endif"
		}
		starts[b.Start] = open
		ends[b.End] = end
		res.Disabled = append(res.Disabled, b.Symbol)
		slog.Debug("disabling declaration", "symbol", b.Symbol, "line", b.Start+1, "expected", want)
	}

	out := make([]string, 0, len(lines)+2*len(res.Disabled)+1)
	for i, line := range lines {
		if open, ok := starts[i]; ok {
			out = append(out, open)
		}

		if o.removeDirtyCheck && strings.Contains(line, DirtyCheck) {
			slog.Info("removing result tensor host_dirty() check", "line", i+1)
			res.DirtyChecksRemoved++
		} else {
			out = append(out, line)
		}

		if end, ok := ends[i]; ok {
			out = append(out, end)
		}
	}
	out = append(out, Sentinel)

	return []byte(strings.Join(out, "\n") + "\n"), res, nil
}

// Blocks finds the attribute-prefixed declaration blocks in lines. A block
// runs from the attribute line to the line closing the brace depth opened by
// the declaration, or to the terminating semicolon of a bare prototype.
func Blocks(lines []string) ([]Block, error) {
	code := codeLines(lines)

	var blocks []Block
	for i := 0; i+1 < len(lines); i++ {
		if !strings.Contains(code[i], AttributeMarker) {
			continue
		}

		m := declRe.FindStringSubmatch(code[i+1])
		if m == nil {
			continue
		}

		b := Block{Symbol: m[1], Start: i, End: -1}
		depth, opened := 0, false
	scan:
		for j := i + 1; j < len(lines); j++ {
			for _, c := range code[j] {
				switch c {
				case '{':
					depth++
					opened = true
				case '}':
					depth--
					if depth < 0 {
						return nil, &errtypes.HeaderPatchError{Line: j + 1, Symbol: b.Symbol, Reason: "unbalanced closing brace"}
					}
					if opened && depth == 0 {
						b.End = j
						break scan
					}
				case ';':
					if !opened {
						b.End = j
						break scan
					}
				}
			}
		}

		if b.End < 0 {
			return nil, &errtypes.HeaderPatchError{Line: i + 1, Symbol: b.Symbol, Reason: "declaration block is not terminated before end of file"}
		}

		blocks = append(blocks, b)
		i = b.End
	}

	return blocks, nil
}

// IsRepaired reports whether src carries the sentinel.
func IsRepaired(src []byte) bool {
	return repaired(splitLines(string(src)))
}

func repaired(lines []string) bool {
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if line == Sentinel {
			return true
		}
		break
	}

	for _, line := range lines {
		if strings.TrimSpace(line) == Sentinel {
			slog.Warn("header sentinel is not the last line", "sentinel", Sentinel)
			return true
		}
	}
	return false
}

func closesComment(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(line, "*/") {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeFile(path string, b []byte) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".hlops-header-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(fi.Mode().Perm()); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
