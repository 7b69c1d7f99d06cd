package cnm

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormulatePlanSingleValue(t *testing.T) {
	plan, valueIndex, intervals, responses := formulatePlan(map[string]uint64{"only": 42}, nil)

	require.Equal(t, locator(0), plan)
	require.Equal(t, 0, valueIndex["only"])
	require.Len(t, intervals, 1)
	require.Equal(t, locator(0), intervals[0].lo)
	require.Equal(t, ^locator(0), intervals[0].hi)
	require.Len(t, responses, 1)
	require.Equal(t, "only", responses[0].Value)
}

func TestFormulatePlanTwoValuesBalanced(t *testing.T) {
	plan, valueIndex, intervals, responses := formulatePlan(map[string]uint64{"a": 1, "b": 1}, nil)

	require.Equal(t, 2, len(responses))
	require.Len(t, intervals, 2)

	var total uint64
	for _, iv := range intervals {
		total += uint64(iv.hi-iv.lo) + 1
	}
	require.Equal(t, uint64(1)<<32, total)

	nphases := bits.OnesCount32(plan)
	require.GreaterOrEqual(t, nphases, 1)
	_ = valueIndex
}

func TestFormulatePlanTwoValuesSkewed(t *testing.T) {
	plan, valueIndex, intervals, responses := formulatePlan(map[string]uint64{"common": 1000, "rare": 1}, nil)

	require.Len(t, responses, 2)
	commonIdx := valueIndex["common"]
	rareIdx := valueIndex["rare"]
	commonWidth := intervals[commonIdx].hi - intervals[commonIdx].lo + 1
	rareWidth := intervals[rareIdx].hi - intervals[rareIdx].lo + 1
	require.Greater(t, commonWidth, rareWidth)
	require.NotEqual(t, locator(0), plan)
}

func TestFormulatePlanThreeValuesOddManOut(t *testing.T) {
	// 7:2:1 floors to widths 2^31, 2^29, 2^28; fit-expanding the 2^30+2^28
	// shortfall doubles the two small widths and leaves 2^29 on the big
	// one, making it the single non-power-of-two interval.
	counts := map[string]uint64{"a": 7, "b": 2, "c": 1}
	plan, _, intervals, responses := formulatePlan(counts, nil)

	require.Len(t, responses, 3)

	var total uint64
	var nonPowerOfTwo int
	var omoLast bool
	for i, iv := range intervals {
		w := iv.hi - iv.lo + 1
		total += uint64(w)
		if w&(w-1) != 0 {
			nonPowerOfTwo++
			omoLast = i == len(intervals)-1
		}
	}
	require.Equal(t, uint64(1)<<32, total)
	require.Equal(t, 1, nonPowerOfTwo)
	require.True(t, omoLast, "the odd-man-out interval must sort last")
	require.NotEqual(t, locator(0), plan)
}

func TestFormulatePlanAllPowersOfTwo(t *testing.T) {
	// 5:3:2 fit-expands cleanly: one exact doubling absorbs the whole
	// shortfall, so every width stays a power of two.
	counts := map[string]uint64{"a": 5, "b": 3, "c": 2}
	_, _, intervals, _ := formulatePlan(counts, nil)

	for _, iv := range intervals {
		w := iv.hi - iv.lo + 1
		require.Zero(t, w&(w-1), "width %#x must be a power of two", w)
	}
}

func TestFormulatePlanResponseTableSortedByLo(t *testing.T) {
	counts := map[string]uint64{"a": 5, "b": 3, "c": 2, "d": 11, "e": 1}
	_, _, _, responses := formulatePlan(counts, nil)

	for i := 1; i < len(responses); i++ {
		require.Less(t, responses[i-1].Lo, responses[i].Lo)
	}
}

func TestFormulatePlanDeterministicOrderWithoutLess(t *testing.T) {
	counts := map[string]uint64{"alpha": 4, "beta": 4, "gamma": 4, "delta": 4}

	plan1, _, _, resp1 := formulatePlan(counts, nil)
	plan2, _, _, resp2 := formulatePlan(counts, nil)

	require.Equal(t, plan1, plan2)
	require.Equal(t, resp1, resp2)
}

func TestFormulatePlanCustomLess(t *testing.T) {
	counts := map[string]uint64{"z": 1, "a": 1}
	less := func(a, b string) bool { return a < b }

	_, _, _, responses := formulatePlan(counts, less)
	require.Equal(t, "a", responses[0].Value)
	require.Equal(t, "z", responses[1].Value)
}

func TestRatio32(t *testing.T) {
	require.Equal(t, locator(1)<<31, ratio32(1, 2))
	require.Equal(t, locator(0), ratio32(0, 10))
	require.Less(t, ratio32(9999, 10000), ^locator(0))
}

func TestFloorPowerOf2(t *testing.T) {
	require.Equal(t, locator(1), floorPowerOf2(0))
	require.Equal(t, locator(1), floorPowerOf2(1))
	require.Equal(t, locator(2), floorPowerOf2(2))
	require.Equal(t, locator(2), floorPowerOf2(3))
	require.Equal(t, locator(4), floorPowerOf2(5))
	require.Equal(t, locator(1)<<31, floorPowerOf2(^locator(0)))
}

func TestHighBit(t *testing.T) {
	require.Equal(t, uint32(0), highBit(1))
	require.Equal(t, uint32(1), highBit(2))
	require.Equal(t, uint32(1), highBit(3))
	require.Equal(t, uint32(31), highBit(^locator(0)))
}
