package cnm

import "errors"

var (
	// ErrEmptyInput is returned by Build when given zero items: a map
	// with no keys can't produce a meaningful response table.
	ErrEmptyInput = errors.New("cnm: cannot build a map from zero items")

	// ErrRetryExhausted is returned when a phase's retry budget (or the
	// overall Options.MaxTries budget split across phases) runs out
	// before a peelable placement is found.
	ErrRetryExhausted = errors.New("cnm: exhausted retry budget while building a phase")

	// Decode errors. Each names the specific validation nonuniform.rs's
	// BorrowDecode performs, so a corrupt or truncated file fails fast
	// with a diagnosable cause instead of a generic parse error.
	ErrBadMagic          = errors.New("cnm: magic value mismatch")
	ErrInvalidLogWidth   = errors.New("cnm: invalid response log-width")
	ErrResponseOverflow  = errors.New("cnm: response lower bounds overflow the locator space")
	ErrBadBlockCount     = errors.New("cnm: a phase's block count must be at least 2 and a multiple of 3")
	ErrBlockSizeOverflow = errors.New("cnm: phase block size overflows during decode")
	ErrTrailingBytes     = errors.New("cnm: trailing bytes after a complete decode")
)
