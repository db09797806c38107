package binding

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmorganca/hlops/header"
	"github.com/jmorganca/hlops/target"
)

const userContextArg = "__user_context"

// Argument is one parameter of a compiled pipeline. Buffer arguments become
// tensors in the wrapper; scalars are passed through.
type Argument struct {
	Name   string
	Type   string
	Buffer bool
}

// Function describes the C signature of a compiled pipeline. Name may be
// namespace qualified ("ops::add_float32").
type Function struct {
	Name string
	Args []Argument
}

var cTypes = map[string]string{
	"bool":    "bool",
	"int8":    "int8_t",
	"int16":   "int16_t",
	"int32":   "int32_t",
	"int64":   "int64_t",
	"uint8":   "uint8_t",
	"uint16":  "uint16_t",
	"uint32":  "uint32_t",
	"uint64":  "uint64_t",
	"float16": "uint16_t",
	"float32": "float",
	"float64": "double",
}

func cType(t string) (string, error) {
	if c, ok := cTypes[t]; ok {
		return c, nil
	}
	return "", fmt.Errorf("unknown element type %q", t)
}

// cName mangles an argument name the way the compiler's C backend does.
func cName(name string) string {
	var sb strings.Builder
	sb.WriteByte('_')
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

type wrapperOptions struct {
	flushMemoizeCache bool
}

type WrapperOption func(*wrapperOptions)

// FlushMemoizeCache makes the entry point release the memoization cache
// after each call.
func FlushMemoizeCache(enabled bool) WrapperOption {
	return func(o *wrapperOptions) {
		o.flushMemoizeCache = enabled
	}
}

type writer struct {
	strings.Builder
	indent int
}

func (w *writer) line(format string, args ...any) {
	if format == "" {
		w.WriteByte('\n')
		return
	}
	w.WriteString(strings.Repeat(" ", w.indent))
	fmt.Fprintf(w, format, args...)
	w.WriteByte('\n')
}

// WrapperHeader renders the tensor wrapper header of fn for tgt. The raw
// pipeline is declared extern "C" ahead of the entry point, which takes a
// tensor reference for every buffer argument and returns 0 on success.
func WrapperHeader(fn Function, tgt target.Target, opts ...WrapperOption) (string, error) {
	var o wrapperOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := tgt.CheckWrapper(); err != nil {
		return "", err
	}
	accelerator := tgt.Accelerator()
	cuda := accelerator == target.CUDA
	userContext := tgt.HasFeature("user_context")

	parts := strings.Split(fn.Name, "::")
	name, namespaces := parts[len(parts)-1], parts[:len(parts)-1]
	if name == "" {
		return "", errors.New("function has no name")
	}

	var w writer
	switch accelerator {
	case target.CUDA:
		w.line(`#include "ATen/cuda/CUDAContext.h"`)
	case target.Metal:
		w.line(`#include "ATen/mps/MPSStream.h"`)
		w.line(`#include <c10/core/Stream.h>`)
	}
	w.line(`#include "HalideBuffer.h"`)
	w.line(`#include %q`, HelpersHeader)
	w.line(`#include <iostream>`)
	w.line("")

	for _, ns := range namespaces {
		w.line("namespace %s {", ns)
	}
	if len(namespaces) > 0 {
		w.line("")
	}

	var params, decl, call []string
	var buffers []Argument
	if userContext {
		decl = append(decl, "void *"+userContextArg)
		call = append(call, userContextArg)
	}
	for _, arg := range fn.Args {
		ct, err := cType(arg.Type)
		if err != nil {
			return "", fmt.Errorf("%s argument %s: %w", fn.Name, arg.Name, err)
		}

		if arg.Buffer {
			buffers = append(buffers, arg)
			params = append(params, "at::Tensor &"+cName(arg.Name))
			decl = append(decl, "struct halide_buffer_t *"+cName(arg.Name)+"_buffer")
			call = append(call, cName(arg.Name)+"_buffer")
		} else {
			params = append(params, ct+" "+cName(arg.Name))
			decl = append(decl, ct+" "+cName(arg.Name))
			call = append(call, cName(arg.Name))
		}
	}

	w.line(`extern "C" int %s(%s);`, name, strings.Join(decl, ", "))
	w.line("")

	w.line("HALIDE_FUNCTION_ATTRS")
	w.line("inline int %s(%s) {", header.EntryPoint(name), strings.Join(params, ", "))
	w.indent += 4

	switch accelerator {
	case target.CUDA:
		w.line("// Setup CUDA")
		w.line("int device_id = at::cuda::current_device();")
		w.line("CUcontext ctx = 0;")
		w.line("CUresult res = cuCtxGetCurrent(&ctx);")
		w.line(`AT_ASSERTM(res == 0, "Could not acquire CUDA context");`)
		w.line("cudaStream_t stream = at::cuda::getCurrentCUDAStream(device_id);")
		w.line("struct UserContext { int device_id; CUcontext *cuda_context; cudaStream_t *stream; } user_ctx;")
		w.line("user_ctx.device_id = device_id;")
		w.line("user_ctx.cuda_context = &ctx;")
		w.line("user_ctx.stream = &stream;")
		w.line("void* %s = (void*) &user_ctx;", userContextArg)
	case target.Metal:
		// the stream and its command queue are owned by the tensor runtime
		w.line("// Setup Metal")
		w.line("using at::mps::MPSStream;")
		w.line("MPSStream* stream = at::mps::getCurrentMPSStream();")
		w.line("struct UserContext { c10::DeviceIndex device_id; MPSStream* stream; } user_ctx;")
		w.line("user_ctx.device_id = stream->device_index();")
		w.line("user_ctx.stream = stream;")
		w.line("void* %s = (void*) &user_ctx;", userContextArg)
	default:
		w.line("void* %s = nullptr;", userContextArg)
	}
	w.line("")

	w.line("// Check tensors have contiguous memory and are on the correct device")
	for _, b := range buffers {
		w.line("HLPT_CHECK_CONTIGUOUS(%s);", cName(b.Name))
		if cuda {
			w.line("HLPT_CHECK_DEVICE(%s, device_id);", cName(b.Name))
		}
	}
	w.line("")

	w.line("// Wrap tensors in Halide buffers")
	wrap := "wrap"
	if cuda {
		wrap = "wrap_cuda"
	}
	for _, b := range buffers {
		ct, _ := cType(b.Type)
		w.line("Halide::Runtime::Buffer<%s> %s_buffer = Halide::PyTorch::%s<%s>(%s);", ct, cName(b.Name), wrap, ct, cName(b.Name))
	}
	w.line("")

	w.line("// Run Halide pipeline")
	w.line("int err = %s(%s);", name, strings.Join(call, ", "))
	w.line("")
	w.line(`AT_ASSERTM(err == 0, "Halide call failed");`)

	if cuda {
		w.line("// Make sure data is on device")
		for _, b := range buffers {
			n := cName(b.Name)
			w.line(`AT_ASSERTM(!%s_buffer.%s, "device not synchronized for buffer %s, make sure all update stages are explicitly computed on GPU.");`, n, header.DirtyCheck, n)
			w.line("%s_buffer.device_detach_native();", n)
		}
		w.line("")
	}

	if o.flushMemoizeCache {
		w.line("// Flush cache")
		if cuda {
			w.line("halide_memoization_cache_cleanup(%s);", userContextArg)
		} else {
			w.line("halide_memoization_cache_cleanup(nullptr);")
		}
	}

	w.line("return 0;")
	w.indent -= 4
	w.line("}")

	if len(namespaces) > 0 {
		w.line("")
		for i := len(namespaces) - 1; i >= 0; i-- {
			w.line("}  // namespace %s", namespaces[i])
		}
	}

	return w.String(), nil
}
