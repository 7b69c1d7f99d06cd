package cnm

import "github.com/rambus-labs/cnm/internal/randkey"

// defaultMaxTries bounds the total number of (phase, attempt) combinations
// Build will try across every phase before giving up, when the caller
// doesn't set one explicitly.
const defaultMaxTries = 100_000

// Options configures Build. The zero value is usable: a fresh random hash
// key is generated and a generous default retry budget applies.
type Options[V Value] struct {
	// KeySeed seeds phase 0's hash key. Nil generates a fresh random key.
	// Supplying one makes Build fully deterministic given the same input
	// map and options, which is useful for golden-file tests.
	KeySeed *randkey.Key

	// MaxTries bounds the total number of attempts spent across every
	// phase; each individual phase is additionally capped at 255
	// attempts since its attempt count becomes a single salt byte.
	MaxTries int

	// MaxThreads bounds per-phase search concurrency. <1 behaves as 1.
	MaxThreads int

	// Less breaks ties between values with identical (popcount,
	// trailing-zeros) widths during plan formulation. Nil falls back to
	// canonical-CBOR byte order, which is a valid total order for any
	// comparable V without requiring callers to implement one.
	Less func(a, b V) bool

	// TryNum is set by Build to the total number of attempts spent
	// across every phase.
	TryNum int
}
