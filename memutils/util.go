package memutils

import (
	"math"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns PowerOfTwoError, annotated with the provided name, if number is not a
// positive power of two.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAlignment verifies that an alignment value can be used with AlignUp & CalculatePadding
func CheckAlignment[T constraints.Integer](alignment T, name string) error {
	if alignment <= 0 {
		return cerrors.Wrapf(AlignmentError, "%s is %d", name, alignment)
	}
	return CheckPow2(alignment, name)
}

// AlignUp rounds value up to the next multiple of alignment
func AlignUp[T constraints.Integer](value, alignment T) T {
	return (value + alignment - 1) / alignment * alignment
}

// CalculatePadding returns the number of bytes that must follow an allocation of the provided size
// so that the next allocation begins on an alignment boundary
func CalculatePadding[T constraints.Integer](size, alignment T) T {
	remainder := size % alignment
	if remainder == 0 {
		return 0
	}
	return alignment - remainder
}

// OverAllocate scales size by factor, rounds it to the nearest byte and aligns the result up.
// Factors below 1 are treated as 1.
func OverAllocate(size int, factor float64, alignment int) int {
	if factor < 1 {
		factor = 1
	}
	return AlignUp(int(math.Round(float64(size)*factor)), alignment)
}
