package cnm

import (
	"math/bits"

	"github.com/rambus-labs/cnm/invariant"
)

// locator is a point or interval boundary in the cyclic 32-bit space that
// the response table and phase plan both live in.
type locator = uint32

// highBit returns the index of x's highest set bit. x must be nonzero.
func highBit(x locator) uint32 {
	invariant.Precondition(x != 0, "highBit: x must be nonzero")
	return 31 - uint32(bits.LeadingZeros32(x))
}

// floorPowerOf2 returns the largest power of two <= x, or 1 if x is 0.
func floorPowerOf2(x locator) locator {
	if x == 0 {
		return 1
	}
	return 1 << highBit(x)
}
