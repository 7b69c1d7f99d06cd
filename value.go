package cnm

import (
	"bytes"

	"github.com/rambus-labs/cnm/internal/randkey"
)

// Value is the constraint on a map's value type: finite-alphabet and
// hashable, standing in for the original's Hash + Ord + Clone bound. Go
// has no built-in total order, so ordering is supplied separately (see
// Options.Less and valueLess) rather than required by this constraint.
type Value interface {
	comparable
}

// valueLess provides the total order formulatePlan needs to break ties
// between values with identical (popcount(width), trailing_zeros(width)).
// A caller-supplied comparator is used if given; otherwise canonical CBOR
// byte order stands in for Rust's Ord bound, giving every comparable value
// a deterministic order without requiring callers to implement one.
func valueLess[V Value](a, b V, less func(a, b V) bool) bool {
	if less != nil {
		return less(a, b)
	}
	return bytes.Compare(randkey.Bytes(a), randkey.Bytes(b)) < 0
}
