package domain

import "errors"

// ErrStoreUnavailable marks infrastructure failures (timeouts, lost
// connections) that callers may retry with backoff. Services wrap the
// underlying cause with it.
var ErrStoreUnavailable = errors.New("store unavailable")
