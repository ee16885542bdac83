package host

import (
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
)

// Program is a compiled kernel, ready to run on the host. Buffers are passed in binding order and
// are exactly as long as the bound handles.
type Program interface {
	Run(count compute.CubeCount, buffers [][]byte) error
}

// ProgramFunc adapts a plain function to Program
type ProgramFunc func(count compute.CubeCount, buffers [][]byte) error

func (f ProgramFunc) Run(count compute.CubeCount, buffers [][]byte) error {
	return f(count, buffers)
}

// Kernel is anything the host server can compile and launch. Kernels with equal ids must compile
// to equivalent programs, since the server compiles each id once.
type Kernel interface {
	ID() kernel.KernelID
	Compile(mode kernel.ExecutionMode) (Program, error)
}
