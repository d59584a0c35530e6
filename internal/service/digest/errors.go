package digest

import "errors"

// Sentinel errors for the digest service layer.
var (
	ErrCycleRunning  = errors.New("digest cycle already running")
	ErrNoCandidates  = errors.New("no candidates given")
	ErrInvalidConfig = errors.New("invalid digest configuration")

	// ErrInvalidTemplate wraps liquid syntax errors in caller-supplied subjects.
	ErrInvalidTemplate = errors.New("invalid template")
)
