package offline0

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]func() Backend {
	return map[string]func() Backend{
		"memory":  func() Backend { return NewMemoryBackend(0) },
		"leveldb": func() Backend { return memLevelDB(t) },
	}
}

func TestStorePutGet(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(open(), "cache v1.2")
			defer s.Close()

			_, err := s.Get("news")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Put("news", CacheEntry{Status: 200, Payload: []byte("first")}))
			require.NoError(t, s.Put("news", CacheEntry{Status: 200, Payload: []byte("second")}))

			ent, err := s.Get("news")
			require.NoError(t, err)
			assert.Equal(t, "second", string(ent.Payload))
			assert.Equal(t, CacheVersion("cache v1.2"), ent.Version)
			assert.Equal(t, "news", ent.Key)
			assert.NotZero(t, ent.StoredAt)
			assert.NotZero(t, ent.Hash32)
		})
	}
}

func TestStoreVersionIsolation(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(open(), "v1")
			defer s.Close()

			require.NoError(t, s.Put("profile", CacheEntry{Payload: []byte("v1 data")}))
			s.SetActiveVersion("v2")

			_, err := s.Get("profile")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.Empty(t, s.Keys())

			// switching back does not resurrect anything once the deleter ran
			s.Flush()
			s.SetActiveVersion("v1")
			_, err = s.Get("profile")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreGetSchedulesDeletionOfOtherGeneration(t *testing.T) {
	backend := NewMemoryBackend(0)
	s := NewStore(backend, "cache v1.1")
	defer s.Close()
	require.NoError(t, s.Put("events", CacheEntry{Payload: []byte("old events")}))
	s.SetActiveVersion("cache v1.2")

	_, err := s.Get("events")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Flush()
	_, ok, err := backend.Get(entryPrefix + "events")
	require.NoError(t, err)
	assert.False(t, ok, "stale entry should have been deleted")
}

func TestStoreScheduledDeleteSparesRewrite(t *testing.T) {
	backend := NewMemoryBackend(0)
	s := NewStore(backend, "v1")
	defer s.Close()

	require.NoError(t, s.Put("news", CacheEntry{Payload: []byte("old")}))
	s.SetActiveVersion("v2")

	// hold the writer lock so the queued delete runs after the rewrite
	s.writeMu.Lock()
	_, err := s.Get("news")
	assert.ErrorIs(t, err, ErrNotFound)
	s.writeMu.Unlock()
	require.NoError(t, s.Put("news", CacheEntry{Payload: []byte("new")}))
	s.Flush()

	ent, err := s.Get("news")
	require.NoError(t, err)
	assert.Equal(t, "new", string(ent.Payload))
}

func TestStorePurgeOtherVersions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			backend := open()
			s := NewStore(backend, "v1")
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Put("events", CacheEntry{Payload: []byte("e")}))
			require.NoError(t, s.Put("news", CacheEntry{Payload: []byte("n")}))
			s.SetActiveVersion("v2")
			require.NoError(t, s.Put("housing", CacheEntry{Payload: []byte("h")}))
			require.NoError(t, backend.Put(entryPrefix+"broken", []byte("not gob")))
			assert.False(t, s.Ready())

			n, err := s.PurgeOtherVersions(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)
			assert.True(t, s.Ready())

			first := rawKeys(t, backend)
			n, err = s.PurgeOtherVersions(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			assert.Equal(t, first, rawKeys(t, backend))
			assert.Equal(t, []string{"housing"}, s.Keys())
		})
	}
}

func TestStorePurgeKeepsNetworkState(t *testing.T) {
	s := NewStore(NewMemoryBackend(0), "v1")
	defer s.Close()

	require.NoError(t, s.SaveNetworkState(Offline))
	s.SetActiveVersion("v2")
	_, err := s.PurgeOtherVersions(context.Background())
	require.NoError(t, err)

	st, ok := s.LoadNetworkState()
	assert.True(t, ok)
	assert.Equal(t, Offline, st)
}

func TestStorePurgeCanceled(t *testing.T) {
	s := NewStore(NewMemoryBackend(0), "v1")
	defer s.Close()
	require.NoError(t, s.Put("a", CacheEntry{}))
	s.SetActiveVersion("v2")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.PurgeOtherVersions(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.Ready())

	n, err := s.PurgeOtherVersions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreCorruptEntryIsNotFound(t *testing.T) {
	backend := NewMemoryBackend(0)
	s := NewStore(backend, "v1")
	defer s.Close()

	require.NoError(t, backend.Put(entryPrefix+"profile", []byte{0xde, 0xad}))
	_, err := s.Get("profile")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Flush()
	_, ok, _ := backend.Get(entryPrefix + "profile")
	assert.False(t, ok)
}

func TestStoreUnreadableEntryIsNotFound(t *testing.T) {
	backend := &unreadableBackend{Backend: NewMemoryBackend(0), bad: map[string]bool{}}
	s := NewStore(backend, "v1")
	defer s.Close()
	require.NoError(t, s.Put("events", CacheEntry{Payload: []byte("events")}))
	require.NoError(t, s.Put("news", CacheEntry{Payload: []byte("news")}))
	backend.markBad(entryPrefix + "events")

	_, err := s.Get("events")
	assert.ErrorIs(t, err, ErrNotFound)

	s.Flush()
	assert.Equal(t, []string{entryPrefix + "news"}, rawKeys(t, backend))
	assert.Equal(t, []string{entryPrefix + "events"}, backend.deletedKeys())
}

func TestStoreInFlightGetKeepsItsGeneration(t *testing.T) {
	backend := &gatedBackend{Backend: NewMemoryBackend(0), entered: make(chan struct{}), release: make(chan struct{})}
	s := NewStore(backend, "cache v1.2")
	defer s.Close()
	require.NoError(t, s.Put("profile", CacheEntry{Payload: []byte("v1.2 profile")}))

	backend.gate.Store(true)
	type res struct {
		ent CacheEntry
		err error
	}
	done := make(chan res, 1)
	go func() {
		ent, err := s.Get("profile")
		done <- res{ent, err}
	}()

	<-backend.entered
	backend.gate.Store(false)
	s.SetActiveVersion("cache v1.3")
	close(backend.release)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "v1.2 profile", string(r.ent.Payload))

	_, err := s.Get("profile")
	assert.ErrorIs(t, err, ErrNotFound)
}

func rawKeys(t *testing.T, b Backend) []string {
	t.Helper()
	var out []string
	require.NoError(t, b.Iterate("", func(k string, _ []byte) bool {
		out = append(out, k)
		return true
	}))
	sort.Strings(out)
	return out
}

// gatedBackend blocks the first Get issued while gate is set.
type gatedBackend struct {
	Backend
	gate    atomic.Bool
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Get(key string) ([]byte, bool, error) {
	if g.gate.Load() {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Backend.Get(key)
}

// unreadableBackend fails reads of keys marked bad the way a damaged
// leveldb block does.
type unreadableBackend struct {
	Backend
	mu      sync.Mutex
	bad     map[string]bool
	deleted []string
}

func (u *unreadableBackend) markBad(key string) {
	u.mu.Lock()
	u.bad[key] = true
	u.mu.Unlock()
}

func (u *unreadableBackend) deletedKeys() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.deleted...)
}

func (u *unreadableBackend) Get(key string) ([]byte, bool, error) {
	u.mu.Lock()
	bad := u.bad[key]
	u.mu.Unlock()
	if bad {
		return nil, false, fmt.Errorf("%w: block checksum mismatch", ErrCacheCorruption)
	}
	return u.Backend.Get(key)
}

func (u *unreadableBackend) Delete(key string) error {
	u.mu.Lock()
	delete(u.bad, key)
	u.deleted = append(u.deleted, key)
	u.mu.Unlock()
	return u.Backend.Delete(key)
}
