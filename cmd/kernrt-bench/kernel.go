package main

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/kernrt/compute"
	"github.com/vkngwrapper/arsenal/kernrt/compute/host"
	"github.com/vkngwrapper/arsenal/kernrt/kernel"
)

const cubeDim = 256

type vectorAddInfo struct {
	Elems int
}

// vectorAdd writes lhs + rhs into out, element by element, for float32 vectors
type vectorAdd struct {
	elems int
}

func (k vectorAdd) ID() kernel.KernelID {
	return kernel.NewKernelID[vectorAdd]().WithInfo(kernel.NewInfo(vectorAddInfo{Elems: k.elems}))
}

func (k vectorAdd) CubeCount() compute.CubeCount {
	return compute.NewCubeCount(uint32((k.elems+cubeDim-1)/cubeDim), 1, 1)
}

func (k vectorAdd) Compile(mode kernel.ExecutionMode) (host.Program, error) {
	elems := k.elems

	return host.ProgramFunc(func(count compute.CubeCount, buffers [][]byte) error {
		if len(buffers) != 3 {
			return errors.Newf("vector add takes 3 buffers, got %d", len(buffers))
		}

		lhs, rhs, out := buffers[0], buffers[1], buffers[2]
		units := int(count.Total()) * cubeDim
		for i := 0; i < units; i++ {
			if i >= elems {
				if mode == kernel.ExecutionChecked {
					break
				}
				return errors.Newf("unit %d is out of bounds for %d elements", i, elems)
			}

			offset := i * 4
			sum := float32frombytes(lhs[offset:]) + float32frombytes(rhs[offset:])
			binary.LittleEndian.PutUint32(out[offset:], math.Float32bits(sum))
		}
		return nil
	}), nil
}

func float32frombytes(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func float32bytes(values []float32) []byte {
	out := make([]byte, len(values)*4)
	for i, value := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(value))
	}
	return out
}
