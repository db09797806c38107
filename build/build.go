// Package build turns a directory of compiled pipeline artifacts into a
// loadable extension module: it repairs the wrapper headers, synthesizes the
// module definition and drives the native toolchain.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmorganca/hlops/binding"
	"github.com/jmorganca/hlops/discover"
	"github.com/jmorganca/hlops/header"
)

var ErrAlreadyRun = errors.New("builder has already run")

// Result describes a built extension module.
type Result struct {
	ModulePath   string
	ManifestPath string
	BuildID      uuid.UUID
	Artifacts    []discover.Artifact
	Duration     time.Duration
}

type Builder struct {
	cfg       Config
	toolchain Toolchain
	onState   func(State)

	mu    sync.Mutex
	state State
}

type Option func(*Builder)

func WithToolchain(t Toolchain) Option {
	return func(b *Builder) {
		b.toolchain = t
	}
}

// WithStateFunc registers fn to be called after every state transition.
func WithStateFunc(fn func(State)) Option {
	return func(b *Builder) {
		b.onState = fn
	}
}

func New(cfg Config, opts ...Option) *Builder {
	b := &Builder{cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	if b.toolchain == nil {
		b.toolchain = CommandToolchain{CXX: cfg.CXX, Stderr: os.Stderr}
	}
	return b
}

func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Builder) transition(to State) error {
	b.mu.Lock()
	from := b.state
	if !isAllowedTransition(from, to) {
		b.mu.Unlock()
		return fmt.Errorf("disallowed build transition: %s -> %s", from, to)
	}
	b.state = to
	b.mu.Unlock()

	slog.Debug("build state", "from", from, "to", to)
	if b.onState != nil {
		b.onState(to)
	}
	return nil
}

// Run executes the build once. A failed build leaves the builder in
// BuildFailed; it is not retried.
func (b *Builder) Run(ctx context.Context) (*Result, error) {
	if b.State() != Unconfigured {
		return nil, ErrAlreadyRun
	}

	start := time.Now()
	res, err := b.run(ctx)
	if err != nil {
		if terr := b.transition(BuildFailed); terr != nil {
			slog.Warn("recording build failure", "error", terr)
		}
		return nil, err
	}

	res.Duration = time.Since(start)
	slog.Info("built extension", "module", res.ModulePath, "pipelines", len(res.Artifacts), "build_id", res.BuildID, "duration", res.Duration)
	return res, nil
}

func (b *Builder) run(ctx context.Context) (*Result, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := b.transition(Validated); err != nil {
		return nil, err
	}

	var opts []discover.Option
	if cfg.SortArtifacts {
		opts = append(opts, discover.WithSorted())
	}
	artifacts, err := discover.Require(cfg.OutputDir, opts...)
	if err != nil {
		return nil, err
	}

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := header.Repair(a.Name, a.WrapperHeaderPath, header.RemoveDirtyCheck(cfg.RemoveDirtyCheck)); err != nil {
			return nil, err
		}
	}
	if err := b.transition(HeadersPatched); err != nil {
		return nil, err
	}

	headers := make([]string, len(artifacts))
	for i, a := range artifacts {
		headers[i] = filepath.Base(a.HeaderPath)
	}

	src := binding.Synthesize(headers, cfg.Accelerator)
	if err := os.WriteFile(filepath.Join(cfg.OutputDir, WrapperSource), []byte(src), 0o644); err != nil {
		return nil, fmt.Errorf("write module definition: %w", err)
	}
	slog.Debug("synthesized module definition", "path", filepath.Join(cfg.OutputDir, WrapperSource), "accelerator", cfg.Accelerator)
	if err := b.transition(BindingSynthesized); err != nil {
		return nil, err
	}

	inv := cfg.Invocation(discover.Objects(artifacts))
	if err := b.toolchain.Build(ctx, inv); err != nil {
		return nil, err
	}
	if err := b.transition(Built); err != nil {
		return nil, err
	}

	m := binding.NewManifest(headers, cfg.Accelerator)
	m.ExtensionName = cfg.ExtensionName
	manifestPath := binding.ManifestPath(cfg.OutputDir, cfg.ExtensionName)
	if err := writeManifest(manifestPath, m); err != nil {
		return nil, err
	}
	if err := b.transition(Success); err != nil {
		return nil, err
	}

	return &Result{
		ModulePath:   inv.Output,
		ManifestPath: manifestPath,
		BuildID:      m.BuildID,
		Artifacts:    artifacts,
	}, nil
}

func writeManifest(path string, m binding.Manifest) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".hlops-manifest-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := binding.WriteManifest(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
