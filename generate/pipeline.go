// Package generate compiles pipelines ahead of time for every variant,
// target and numeric type, using the pipeline compiler's generator
// executables.
package generate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/jmorganca/hlops/envconfig"
)

// Pipeline names a generator executable and the generators it contains.
type Pipeline struct {
	Name       string `mapstructure:"name"`
	Executable string `mapstructure:"executable"`
	Generator  string `mapstructure:"generator"`

	// GradGenerator is the hand-written derivative, compiled as the "grad"
	// variant when set.
	GradGenerator string `mapstructure:"grad_generator"`

	// Autodiff adds the "halidegrad" variant, the compiler-derived
	// gradient of Generator.
	Autodiff bool `mapstructure:"autodiff"`

	// TypeParams are the generator parameters that receive the element
	// type, as in "input_a.type=float32".
	TypeParams     []string `mapstructure:"type_params"`
	GradTypeParams []string `mapstructure:"grad_type_params"`
}

func (p Pipeline) Validate() error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Executable == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	if p.Generator == "" && p.GradGenerator == "" {
		errs = append(errs, errors.New("generator or grad_generator is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline %q: %w", p.Name, err)
	}
	return nil
}

// FromConfig converts the pipelines declared in the configuration file.
func FromConfig(cfg []envconfig.Pipeline) []Pipeline {
	pipelines := make([]Pipeline, len(cfg))
	for i, c := range cfg {
		pipelines[i] = Pipeline{
			Name:           c.Name,
			Executable:     c.Executable,
			Generator:      c.Generator,
			GradGenerator:  c.GradGenerator,
			Autodiff:       c.Autodiff,
			TypeParams:     c.TypeParams,
			GradTypeParams: c.GradTypeParams,
		}
	}
	return pipelines
}

// ParsePipeline reads a pipeline from a comma separated key=value list, as
// given on the command line:
//
//	name=add,executable=bin/add.generator,generator=add_generator,autodiff=true,type_params=input_a:input_b
//
// List values are separated by colons.
func ParsePipeline(s string) (Pipeline, error) {
	raw := make(map[string]any)
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}

		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return Pipeline{}, fmt.Errorf("pipeline %q: expected key=value, got %q", s, field)
		}
		raw[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	var p Pipeline
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(":"),
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           &p,
	})
	if err != nil {
		return Pipeline{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return Pipeline{}, fmt.Errorf("pipeline %q: %w", s, err)
	}

	return p, p.Validate()
}
