package cnm

import (
	"fmt"
	"testing"

	"github.com/rambus-labs/cnm/internal/randkey"
	"github.com/stretchr/testify/require"
)

func fixedSeed(b byte) *randkey.Key {
	var k randkey.Key
	for i := range k {
		k[i] = b
	}
	return &k
}

func buildStrIntItems(n int, valueOf func(i int) int) map[string]int {
	items := make(map[string]int, n)
	for i := 0; i < n; i++ {
		items[fmt.Sprintf("key-%04d", i)] = valueOf(i)
	}
	return items
}

func requireRoundTrip(t *testing.T, items map[string]int, m *Map[string, int]) {
	t.Helper()
	for k, v := range items {
		require.Equalf(t, v, m.Query(k), "query(%q)", k)
	}
}

func TestBuildEmptyReturnsError(t *testing.T) {
	_, err := Build(map[string]int{}, nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}

func TestBuildSingleValue(t *testing.T) {
	items := buildStrIntItems(50, func(i int) int { return 7 })
	m, err := Build(items, &Options[int]{KeySeed: fixedSeed(1)})
	require.NoError(t, err)
	require.Equal(t, locator(0), m.plan)
	requireRoundTrip(t, items, m)

	// Keys never seen at all still resolve to the single response.
	require.Equal(t, 7, m.Query("never-seen"))
}

func TestBuildTwoValuesBalanced(t *testing.T) {
	items := buildStrIntItems(400, func(i int) int { return i % 2 })
	m, err := Build(items, &Options[int]{KeySeed: fixedSeed(2)})
	require.NoError(t, err)
	requireRoundTrip(t, items, m)
}

func TestBuildTwoValuesSkewed(t *testing.T) {
	items := buildStrIntItems(500, func(i int) int {
		if i%50 == 0 {
			return 1
		}
		return 0
	})
	m, err := Build(items, &Options[int]{KeySeed: fixedSeed(3)})
	require.NoError(t, err)
	requireRoundTrip(t, items, m)
}

func TestBuildThreeValuesWithOddManOut(t *testing.T) {
	// Counts of (7, 2, 1) out of 10 fit-expand to a 2^31+2^29 share for
	// the dominant value, forcing the odd-man-out bookkeeping in Build
	// and the cross-phase refinement of its keys' low locator bits.
	items := make(map[string]int, 1000)
	for i := 0; i < 1000; i++ {
		var v int
		switch {
		case i%10 < 7:
			v = 0
		case i%10 < 9:
			v = 1
		default:
			v = 2
		}
		items[fmt.Sprintf("key-%04d", i)] = v
	}
	m, err := Build(items, &Options[int]{KeySeed: fixedSeed(4)})
	require.NoError(t, err)
	requireRoundTrip(t, items, m)
}

func TestBuildManyValuesDistribution(t *testing.T) {
	items := buildStrIntItems(2000, func(i int) int { return i % 7 })
	m, err := Build(items, &Options[int]{KeySeed: fixedSeed(5)})
	require.NoError(t, err)
	requireRoundTrip(t, items, m)
}

func TestBuildIsDeterministicGivenSameKeySeed(t *testing.T) {
	items := buildStrIntItems(300, func(i int) int { return i % 3 })

	a, err := Build(items, &Options[int]{KeySeed: fixedSeed(6)})
	require.NoError(t, err)
	b, err := Build(items, &Options[int]{KeySeed: fixedSeed(6)})
	require.NoError(t, err)

	require.Equal(t, a.plan, b.plan)
	require.Equal(t, a.responses, b.responses)
	require.Equal(t, a.salt, b.salt)
	require.Len(t, a.cores, len(b.cores))
	for i := range a.cores {
		require.Equal(t, a.cores[i].HashKey, b.cores[i].HashKey)
		require.Equal(t, a.cores[i].Blocks, b.cores[i].Blocks)
	}
}

func TestBuildDifferentSeedsStillAgreeOnQueries(t *testing.T) {
	items := buildStrIntItems(300, func(i int) int { return i % 3 })

	a, err := Build(items, &Options[int]{KeySeed: fixedSeed(10)})
	require.NoError(t, err)
	b, err := Build(items, &Options[int]{KeySeed: fixedSeed(11)})
	require.NoError(t, err)

	require.NotEqual(t, a.cores[0].HashKey, b.cores[0].HashKey)
	requireRoundTrip(t, items, a)
	requireRoundTrip(t, items, b)
}

func TestDecomposePhaseBitsCoversWholePlan(t *testing.T) {
	plan := locator(0b1011_0000_0000_0000_0000_0000_0000_0001)
	nphases := 4
	phaseBits := decomposePhaseBits(plan, nphases)

	require.Len(t, phaseBits, nphases)

	var union locator
	for _, pb := range phaseBits {
		require.Zero(t, union&pb, "phases must be disjoint")
		union |= pb
	}
	require.Equal(t, ^locator(0), union, "phases must cover the full 32-bit space")
}
