package offline0

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("cache entry not found")
	ErrCacheCorruption     = errors.New("cache entry corrupt")
	ErrFetchFailure        = errors.New("fetch failed")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrInvalidMessage      = errors.New("invalid status message")
	ErrOriginNotAllowed    = errors.New("origin not allowed")
	ErrClosed              = errors.New("cache manager closed")
)

// FetchError is returned when the network was supposedly reachable but the
// request failed and no cached fallback existed.
type FetchError struct {
	Key    string
	Status int // 0 for transport errors
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.Key, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailure }
