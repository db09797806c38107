package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pdevine/tensor"
	"golang.org/x/sync/semaphore"

	"github.com/jmorganca/hlops/logutil"
	"github.com/jmorganca/hlops/types/errtypes"
)

// Op calls one pipeline variant ("add", "add_grad", ...) and picks the
// compiled entry point matching the element type and device of its inputs.
// An Op is safe for concurrent use.
type Op struct {
	module  *Module
	variant string
	outputs int
	sem     *semaphore.Weighted
}

type Option func(*Op)

// WithOutputs sets the number of output tensors. By default forward
// variants produce one output and gradient variants one per input but the
// last.
func WithOutputs(n int) Option {
	return func(op *Op) {
		op.outputs = n
	}
}

// WithMaxConcurrency bounds the number of concurrent kernel calls, for
// modules whose entry points are not reentrant.
func WithMaxConcurrency(n int64) Option {
	return func(op *Op) {
		if n > 0 {
			op.sem = semaphore.NewWeighted(n)
		}
	}
}

func New(m *Module, variant string, opts ...Option) *Op {
	op := &Op{module: m, variant: variant}
	for _, opt := range opts {
		opt(op)
	}
	return op
}

// EntryPoint returns the registered name for dt on device:
// <variant>[_cuda|_mps]_<dtype>.
func (op *Op) EntryPoint(dt tensor.Dtype, device Device) string {
	return op.variant + device.suffix() + "_" + dt.String()
}

func (op *Op) numOutputs(inputs int) int {
	switch {
	case op.outputs > 0:
		return op.outputs
	case strings.Contains(op.variant, "grad"):
		return inputs - 1
	default:
		return 1
	}
}

func (op *Op) dispatchError(kind error, format string, args ...any) error {
	return &errtypes.DispatchError{Op: op.variant, Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Call runs the operation. Outputs may be passed explicitly; otherwise they
// are allocated with the shape and element type of the first input. The
// outputs are returned in order.
func (op *Op) Call(ctx context.Context, inputs []Tensor, outputs ...Tensor) ([]Tensor, error) {
	if len(inputs) == 0 {
		return nil, op.dispatchError(errtypes.ErrShapeMismatch, "no input tensors")
	}

	first := inputs[0]
	if first.Tensor == nil {
		return nil, op.dispatchError(errtypes.ErrShapeMismatch, "input 0 is nil")
	}

	dt, device, shape := first.Dtype(), first.Device, first.Shape()
	for i, in := range inputs[1:] {
		if err := op.check("input", i+1, in, dt, device, shape); err != nil {
			return nil, err
		}
	}

	name := op.EntryPoint(dt, device)
	kernel, ok := op.module.Lookup(name)
	if !ok {
		for _, d := range devices {
			if _, ok := op.module.Lookup(op.EntryPoint(dt, d)); ok && d != device {
				return nil, op.dispatchError(errtypes.ErrUnsupportedDevice, "%s is not compiled for %s", dt, device)
			}
		}
		return nil, op.dispatchError(errtypes.ErrUnsupportedType, "%s is not compiled for any device", dt)
	}

	n := op.numOutputs(len(inputs))
	if n <= 0 {
		return nil, op.dispatchError(errtypes.ErrShapeMismatch, "%d inputs leave no outputs", len(inputs))
	}

	if len(outputs) == 0 {
		outputs = make([]Tensor, n)
		for i := range outputs {
			outputs[i] = Zeros(dt, device, shape.Clone()...)
		}
	} else {
		if len(outputs) != n {
			return nil, op.dispatchError(errtypes.ErrShapeMismatch, "expected %d outputs, got %d", n, len(outputs))
		}
		for i, out := range outputs {
			if err := op.check("output", i, out, dt, device, shape); err != nil {
				return nil, err
			}
		}
	}

	if op.sem != nil {
		if err := op.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer op.sem.Release(1)
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	args := make([]tensor.Tensor, 0, len(inputs)+len(outputs))
	for _, t := range inputs {
		args = append(args, t.Tensor)
	}
	for _, t := range outputs {
		args = append(args, t.Tensor)
	}

	logutil.TraceContext(ctx, "dispatch", "op", op.variant, "entry", name, "shape", shape, "outputs", len(outputs))
	if err := invoke(kernel, args); err != nil {
		slog.Debug("kernel failed", "entry", name, "error", err)
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return outputs, nil
}

func (op *Op) check(kind string, i int, t Tensor, dt tensor.Dtype, device Device, shape tensor.Shape) error {
	switch {
	case t.Tensor == nil:
		return op.dispatchError(errtypes.ErrShapeMismatch, "%s %d is nil", kind, i)
	case t.Dtype() != dt:
		return op.dispatchError(errtypes.ErrUnsupportedType, "%s %d is %s, expected %s", kind, i, t.Dtype(), dt)
	case t.Device != device:
		return op.dispatchError(errtypes.ErrUnsupportedDevice, "%s %d is on %s, expected %s", kind, i, t.Device, device)
	case !t.Shape().Eq(shape):
		return op.dispatchError(errtypes.ErrShapeMismatch, "%s %d has shape %v, expected %v", kind, i, t.Shape(), shape)
	}
	return nil
}

func invoke(k Kernel, args []tensor.Tensor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel panic: %v", r)
		}
	}()
	return k(args...)
}
