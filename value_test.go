package cnm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueLessDefaultOrderIsTotalAndDeterministic(t *testing.T) {
	require.True(t, valueLess(1, 2, nil))
	require.False(t, valueLess(2, 1, nil))
	require.False(t, valueLess(1, 1, nil))

	// Irreflexive over a handful of samples.
	vals := []int{5, -3, 0, 100, 7}
	for i := range vals {
		for j := range vals {
			if vals[i] == vals[j] {
				require.False(t, valueLess(vals[i], vals[j], nil))
			}
		}
	}
}

func TestValueLessUsesCallerComparator(t *testing.T) {
	less := func(a, b string) bool { return len(a) < len(b) }
	require.True(t, valueLess("a", "bb", less))
	require.False(t, valueLess("bb", "a", less))
}
