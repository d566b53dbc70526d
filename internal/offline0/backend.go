package offline0

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
)

// Backend is raw byte storage under the Store. Implementations must be safe
// for concurrent use; the Store serializes writers itself.
type Backend interface {
	// Get reports unreadable stored bytes as an error matching ErrCacheCorruption.
	Get(key string) ([]byte, bool, error)
	Put(key string, val []byte) error
	Delete(key string) error
	// Iterate calls fn for every key with prefix until fn returns false.
	// fn must not call back into the backend.
	Iterate(prefix string, fn func(key string, val []byte) bool) error
	// Size is the stored byte total, or 0 when the backend does not track it.
	Size() int64
	Close() error
}

func OpenBackend(cfg Config) (Backend, error) {
	switch cfg.Cache.Backend {
	case "memory":
		return NewMemoryBackend(cfg.maxBytes), nil
	case "redis":
		b, err := NewRedisBackend(cfg.Cache.Redis.URL, cfg.Cache.Redis.Namespace)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "leveldb", "":
		b, err := OpenLevelDBBackend(cfg.Cache.Path, cfg.maxBytes)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", cfg.Cache.Path, err)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
}

const (
	entryPrefix = "e:"
	statePrefix = "s:"
)

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
