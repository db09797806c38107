package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmorganca/hlops/types/errtypes"
)

// Result is the outcome of one unit. Results are returned in unit order.
type Result struct {
	Unit     Unit
	Outputs  []string
	Skipped  bool
	Duration time.Duration
}

// Driver compiles units concurrently into Dir. Each unit compiles into its
// own staging directory; finished outputs are moved into Dir one unit at a
// time.
type Driver struct {
	Compiler Compiler
	Dir      string

	// Parallelism bounds concurrent compilations. Values outside
	// [1, NumCPU] are clamped.
	Parallelism int

	// Force recompiles units whose outputs already exist.
	Force bool

	// OnResult, if set, is called as each unit finishes. Calls are
	// serialized.
	OnResult func(Result)
}

func (d *Driver) parallelism() int {
	n := d.Parallelism
	if n <= 0 || n > runtime.NumCPU() {
		n = runtime.NumCPU()
	}
	return max(n, 1)
}

// Run compiles units. The first failure cancels the remaining units and is
// returned.
func (d *Driver) Run(ctx context.Context, units []Unit) ([]Result, error) {
	if d.Compiler == nil {
		return nil, errors.New("generate: no compiler")
	}
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return nil, err
	}

	results := make([]Result, len(units))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism())
	slog.Debug("compiling units", "count", len(units), "parallel", d.parallelism(), "dir", d.Dir)

	for i, u := range units {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			start := time.Now()
			res := Result{Unit: u, Outputs: u.Outputs(d.Dir)}
			if !d.Force && exists(res.Outputs) {
				res.Skipped = true
				slog.Debug("unit up to date", "unit", u.Name())
			} else if err := d.compile(ctx, u, &mu); err != nil {
				return err
			}
			res.Duration = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			if d.OnResult != nil {
				d.OnResult(res)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

func (d *Driver) compile(ctx context.Context, u Unit, mu *sync.Mutex) error {
	staging, err := os.MkdirTemp(d.Dir, ".staging-"+u.Name()+"-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	slog.Info("compiling", "unit", u.Name(), "target", u.Target.String())
	if err := d.Compiler.Compile(ctx, u, staging); err != nil {
		return err
	}

	staged := u.Outputs(staging)
	for _, path := range staged {
		if _, err := os.Stat(path); err != nil {
			return &errtypes.CompileError{Unit: u.Name(), Err: fmt.Errorf("missing output %s: %w", filepath.Base(path), err)}
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, path := range u.Outputs(d.Dir) {
		if err := os.Rename(staged[i], path); err != nil {
			return err
		}
	}
	return nil
}

func exists(paths []string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}
