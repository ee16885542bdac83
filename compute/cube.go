package compute

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var ErrCubeCountExceeded = errors.New("cube count exceeds the device limit")

// CubeCount is the number of cubes a kernel is launched with along each axis
type CubeCount struct {
	X, Y, Z uint32
}

func NewCubeCount(x, y, z uint32) CubeCount {
	return CubeCount{X: x, Y: y, Z: z}
}

// Total is the number of cubes in the launch
func (c CubeCount) Total() uint64 {
	return uint64(c.X) * uint64(c.Y) * uint64(c.Z)
}

// Check returns ErrCubeCountExceeded when any axis exceeds the limit for that axis. A zero limit
// is unbounded.
func (c CubeCount) Check(limit [3]uint32) error {
	counts := [3]uint32{c.X, c.Y, c.Z}
	for axis, count := range counts {
		if limit[axis] != 0 && count > limit[axis] {
			return errors.Wrapf(ErrCubeCountExceeded, "%s: axis %d limit is %d", c, axis, limit[axis])
		}
	}
	return nil
}

func (c CubeCount) String() string {
	return fmt.Sprintf("(%d, %d, %d)", c.X, c.Y, c.Z)
}
