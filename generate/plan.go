package generate

import (
	"path/filepath"

	"github.com/jmorganca/hlops/target"
)

type Variant string

const (
	Forward    Variant = ""
	Grad       Variant = "grad"
	HalideGrad Variant = "halidegrad"
)

// Extensions lists the files a unit produces, in publication order. The
// wrapper header comes last so a discoverer never sees it before its
// object library.
var Extensions = []string{".a", ".h", ".pytorch.h"}

// Targets are the compile targets of a plan. GPU is only used when its
// features select an accelerator runtime; the zero Target compiles CPU
// units only.
type Targets struct {
	CPU target.Target
	GPU target.Target
}

// Dir is the output directory for every unit under bin. Accelerator units
// share the CPU directory and are told apart by their name.
func (t Targets) Dir(bin string) string {
	return filepath.Join(bin, t.CPU.String())
}

// Unit is one generator invocation.
type Unit struct {
	Pipeline Pipeline
	Variant  Variant
	Target   target.Target
	Type     string

	Accelerator target.Accelerator
}

// Name is the function and file name of the unit:
// <pipeline>[_<variant>][_cuda|_mps]_<type>.
func (u Unit) Name() string {
	name := u.Pipeline.Name
	if u.Variant != Forward {
		name += "_" + string(u.Variant)
	}
	return name + u.Accelerator.Suffix() + "_" + u.Type
}

func (u Unit) Generator() string {
	if u.Variant == Grad {
		return u.Pipeline.GradGenerator
	}
	return u.Pipeline.Generator
}

func (u Unit) TypeParams() []string {
	if u.Variant != Forward && len(u.Pipeline.GradTypeParams) > 0 {
		return u.Pipeline.GradTypeParams
	}
	return u.Pipeline.TypeParams
}

// Outputs returns the paths the unit publishes into dir.
func (u Unit) Outputs(dir string) []string {
	outputs := make([]string, len(Extensions))
	for i, ext := range Extensions {
		outputs[i] = filepath.Join(dir, u.Name()+ext)
	}
	return outputs
}

// Variants returns the variants compiled for p.
func (p Pipeline) Variants() []Variant {
	var variants []Variant
	if p.Generator != "" {
		variants = append(variants, Forward)
	}
	if p.GradGenerator != "" {
		variants = append(variants, Grad)
	}
	if p.Autodiff && p.Generator != "" {
		variants = append(variants, HalideGrad)
	}
	return variants
}

// Plan enumerates pipeline × variant × target × type in that nesting order.
func Plan(pipelines []Pipeline, types []string, targets Targets) []Unit {
	tgts := []target.Target{targets.CPU}
	if targets.GPU.Accelerator() != target.NoAccelerator {
		tgts = append(tgts, targets.GPU)
	}

	var units []Unit
	for _, p := range pipelines {
		for _, v := range p.Variants() {
			for _, tgt := range tgts {
				for _, typ := range types {
					units = append(units, Unit{Pipeline: p, Variant: v, Target: tgt, Type: typ, Accelerator: tgt.Accelerator()})
				}
			}
		}
	}
	return units
}
