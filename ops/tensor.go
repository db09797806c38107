package ops

import (
	"fmt"

	"github.com/pdevine/tensor"

	"github.com/jmorganca/hlops/target"
)

type Device int

const (
	CPU Device = iota
	CUDA
	MPS
)

var devices = []Device{CPU, CUDA, MPS}

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case MPS:
		return "mps"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Accelerator is the runtime whose entry points serve tensors on d.
func (d Device) Accelerator() target.Accelerator {
	switch d {
	case CUDA:
		return target.CUDA
	case MPS:
		return target.Metal
	default:
		return target.NoAccelerator
	}
}

// suffix is the entry point name component selecting the device.
func (d Device) suffix() string {
	return d.Accelerator().Suffix()
}

// Tensor is a dense tensor tagged with the device its memory lives on.
type Tensor struct {
	tensor.Tensor
	Device Device
}

// Zeros allocates a zero-filled tensor.
func Zeros(dt tensor.Dtype, device Device, shape ...int) Tensor {
	return Tensor{
		Tensor: tensor.New(tensor.Of(dt), tensor.WithShape(shape...)),
		Device: device,
	}
}

// FromBacking wraps data, a typed slice such as []float32, without copying.
func FromBacking(data any, device Device, shape ...int) Tensor {
	return Tensor{
		Tensor: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)),
		Device: device,
	}
}
