package uniform

import "errors"

// ErrRetryExhausted is returned by Build when no attempt up to MaxTries
// produced a three-slot placement that peels completely.
var ErrRetryExhausted = errors.New("uniform: exhausted retry budget without a peelable placement")
