package memutils

import (
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// CheckedAlignUp behaves like AlignUp but reports false instead of wrapping when
// the aligned value does not fit in an int
func CheckedAlignUp(value int, alignment uint) (int, bool) {
	if value < 0 || value > math.MaxInt-int(alignment)+1 {
		return 0, false
	}
	return AlignUp(value, alignment), true
}

// CheckedMul multiplies two non-negative sizes, returning false if the product overflows an int
func CheckedMul(count, size int) (int, bool) {
	if count < 0 || size < 0 {
		return 0, false
	}

	hi, lo := bits.Mul64(uint64(count), uint64(size))
	if hi != 0 || lo > math.MaxInt {
		return 0, false
	}
	return int(lo), true
}
