// Package ops dispatches tensor operations to the compiled entry points of
// an extension module.
package ops

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/pdevine/tensor"

	"github.com/jmorganca/hlops/binding"
	"github.com/jmorganca/hlops/header"
	"github.com/jmorganca/hlops/target"
)

// Kernel invokes one compiled entry point. Buffers are passed in generator
// order: inputs first, then outputs.
type Kernel func(args ...tensor.Tensor) error

// Module is the set of entry points exported by a built extension module,
// keyed by registered name. It is immutable once constructed.
type Module struct {
	Name        string
	BuildID     uuid.UUID
	Accelerator target.Accelerator

	names   []string
	entries map[string]Kernel
}

// NewModule binds every name in the manifest to the kernel exported under
// its entry point symbol.
func NewModule(m binding.Manifest, kernels map[string]Kernel) (*Module, error) {
	mod := &Module{
		Name:        m.ExtensionName,
		BuildID:     m.BuildID,
		Accelerator: m.Accelerator,
		entries:     make(map[string]Kernel, len(m.Entries)),
	}

	var errs []error
	for _, name := range m.Names() {
		symbol := header.EntryPoint(name)
		k, ok := kernels[symbol]
		if !ok || k == nil {
			errs = append(errs, fmt.Errorf("%s: missing entry point %s", name, symbol))
			continue
		}
		if _, dup := mod.entries[name]; !dup {
			mod.names = append(mod.names, name)
		}
		mod.entries[name] = k
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	slog.Debug("loaded module", "name", mod.Name, "build_id", mod.BuildID, "entries", len(mod.names))
	return mod, nil
}

// LoadModule reads the manifest written next to a built module.
func LoadModule(manifestPath string, kernels map[string]Kernel) (*Module, error) {
	m, err := binding.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	return NewModule(m, kernels)
}

// Names returns the registered names in registration order.
func (m *Module) Names() []string {
	return slices.Clone(m.names)
}

func (m *Module) Lookup(name string) (Kernel, bool) {
	k, ok := m.entries[name]
	return k, ok
}
