package offline0

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CacheVersion tags one cache generation, e.g. "cache v1.2".
type CacheVersion string

type CacheEntry struct {
	Key     string
	Version CacheVersion
	Status  int
	Header  http.Header
	Payload []byte

	StoredAt int64 // unix nanoseconds, UTC
	Hash32   uint32
}

func (e CacheEntry) StoredTime() time.Time { return time.Unix(0, e.StoredAt).UTC() }

type NetworkState int

const (
	Online NetworkState = iota
	Offline
)

func (s NetworkState) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("NetworkState(%d)", int(s))
	}
}

func (s NetworkState) MarshalText() ([]byte, error) {
	if s != Online && s != Offline {
		return nil, fmt.Errorf("%w: state %d", ErrInvalidMessage, int(s))
	}
	return []byte(s.String()), nil
}

func (s *NetworkState) UnmarshalText(b []byte) error {
	st, err := ParseNetworkState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func ParseNetworkState(v string) (NetworkState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "online":
		return Online, nil
	case "offline":
		return Offline, nil
	}
	return Online, fmt.Errorf("%w: unknown state %q", ErrInvalidMessage, v)
}

// StatusMessage announces one NetworkState transition.
type StatusMessage struct {
	State NetworkState `json:"state"`
}

// Source says where a Result's payload came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Result is what a feature service gets back from the Interceptor.
// Stale is set whenever the payload was not confirmed by a live fetch.
type Result struct {
	Key      string
	Status   int
	Header   http.Header
	Payload  []byte
	Stale    bool
	Source   Source
	Bypass   bool
	StoredAt time.Time
}
