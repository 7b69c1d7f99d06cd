package cnm

import (
	"math/big"
	"math/bits"
	"sort"
)

// interval is one value's share of the locator space: the closed
// [lo, hi] range (inclusive of hi, as in the original) it resolves to,
// and the number of keys mapped to it.
type interval struct {
	count uint64
	lo    locator
	hi    locator
}

// responseEntry is one row of the response table: the lower bound of the
// interval that decodes to Value.
type responseEntry[V any] struct {
	Lo    locator
	Value V
}

// planItem tracks one value's candidate width through the fit-expand and
// canonical-sort stages of formulatePlan.
type planItem[V any] struct {
	value V
	width locator
	count uint64
}

// ratio32 computes floor((count << 32) / total) without overflowing a
// native machine word, mirroring the u128 arithmetic nonuniform.rs uses
// for the same division.
func ratio32(count, total uint64) locator {
	num := new(big.Int).Lsh(new(big.Int).SetUint64(count), 32)
	num.Div(num, new(big.Int).SetUint64(total))
	return locator(num.Uint64())
}

// compareFit orders two candidate widths by how well expanding one serves
// the overall tiling versus the other, using cross multiplication instead
// of division to stay exact. Ties fall back to (width, count).
func compareFit(w1 locator, c1 uint64, w2 locator, c2 uint64) int {
	score1 := new(big.Int).Mul(new(big.Int).SetUint64(uint64(w1)), new(big.Int).SetUint64(c2))
	score2 := new(big.Int).Mul(new(big.Int).SetUint64(uint64(w2)), new(big.Int).SetUint64(c1))
	if cmp := score1.Cmp(score2); cmp != 0 {
		return cmp
	}
	if w1 != w2 {
		if w1 < w2 {
			return -1
		}
		return 1
	}
	switch {
	case c1 < c2:
		return -1
	case c1 > c2:
		return 1
	default:
		return 0
	}
}

// formulatePlan turns a histogram of value frequencies into a plan
// bitmask, a value->response-index lookup, each value's locator interval,
// and the sorted response table. It mirrors nonuniform.rs's
// formulate_plan: ideal widths are floored to powers of two, the
// shortfall from summing to the full 32-bit space is redistributed by
// fit score, and the final order is by (popcount(width), -trailing_zeros,
// value).
func formulatePlan[V Value](counts map[V]uint64, less func(a, b V) bool) (
	plan locator,
	valueIndex map[V]int,
	intervals []interval,
	responses []responseEntry[V],
) {
	valueIndex = make(map[V]int, len(counts))

	if len(counts) <= 1 {
		for v, c := range counts {
			valueIndex[v] = 0
			intervals = append(intervals, interval{count: c, lo: 0, hi: ^locator(0)})
			responses = append(responses, responseEntry[V]{Lo: 0, Value: v})
		}
		return 0, valueIndex, intervals, responses
	}

	var total uint64
	for _, c := range counts {
		total += c
	}

	items := make([]planItem[V], 0, len(counts))
	var totalWidth locator
	for v, c := range counts {
		width := floorPowerOf2(ratio32(c, total))
		items = append(items, planItem[V]{value: v, width: width, count: c})
		totalWidth += width // wraps mod 2^32, matching wrapping_add
	}

	sort.SliceStable(items, func(i, j int) bool {
		if c := compareFit(items[i].width, items[i].count, items[j].width, items[j].count); c != 0 {
			return c < 0
		}
		// Equal (width, count): order by value so the result does not
		// depend on the counts map's iteration order.
		return valueLess(items[i].value, items[j].value, less)
	})

	remainingWidth := -totalWidth // wrapping_neg
	for i := range items {
		if remainingWidth == 0 {
			break
		}
		expand := remainingWidth
		if items[i].width < expand {
			expand = items[i].width
		}
		remainingWidth -= expand
		items[i].width += expand
	}

	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := bits.OnesCount32(items[i].width), bits.OnesCount32(items[j].width)
		if pi != pj {
			return pi < pj
		}
		ti, tj := bits.TrailingZeros32(items[i].width), bits.TrailingZeros32(items[j].width)
		if ti != tj {
			// -trailing_zeros ascending: larger trailing-zero counts sort first.
			return ti > tj
		}
		return valueLess(items[i].value, items[j].value, less)
	})

	var runningTotal locator
	count := 0
	for _, it := range items {
		responses = append(responses, responseEntry[V]{Lo: runningTotal, Value: it.value})
		valueIndex[it.value] = count
		intervals = append(intervals, interval{count: it.count, lo: runningTotal, hi: runningTotal + (it.width - 1)})
		count++
		runningTotal += it.width // wraps
		if it.width&(it.width-1) == 0 {
			plan |= it.width
		} else {
			plan |= locator(1) << highBit(it.width)
		}
	}

	return plan, valueIndex, intervals, responses
}
