package offline0

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(30)

	require.NoError(t, b.Put(entryPrefix+"a", make([]byte, 10)))
	require.NoError(t, b.Put(entryPrefix+"b", make([]byte, 10)))
	require.NoError(t, b.Put(statePrefix+"network", []byte("online")))
	_, _, _ = b.Get(entryPrefix + "a")
	require.NoError(t, b.Put(entryPrefix+"c", make([]byte, 10)))

	_, ok, _ := b.Get(entryPrefix + "b")
	assert.False(t, ok, "b was least recently used")
	_, ok, _ = b.Get(entryPrefix + "a")
	assert.True(t, ok)
	_, ok, _ = b.Get(statePrefix + "network")
	assert.True(t, ok, "meta keys are never evicted")
	assert.LessOrEqual(t, b.Size(), int64(30))
}

func TestMemoryBackendOverwriteAdjustsSize(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(0)
	require.NoError(t, b.Put("e:k", make([]byte, 100)))
	require.NoError(t, b.Put("e:k", make([]byte, 40)))
	assert.Equal(t, int64(40), b.Size())
	require.NoError(t, b.Delete("e:k"))
	assert.Equal(t, int64(0), b.Size())
}

func TestLevelDBBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	b, err := OpenLevelDBBackend(dir, 0)
	require.NoError(t, err)
	s := NewStore(b, "cache v1.2")
	require.NoError(t, s.Put("events", CacheEntry{Status: 200, Payload: []byte(`[{"title":"Chapel"}]`)}))
	require.NoError(t, s.SaveNetworkState(Offline))
	require.NoError(t, s.Close())

	b, err = OpenLevelDBBackend(dir, 0)
	require.NoError(t, err)
	s = NewStore(b, "cache v1.2")
	defer s.Close()

	ent, err := s.Get("events")
	require.NoError(t, err)
	assert.Equal(t, `[{"title":"Chapel"}]`, string(ent.Payload))
	assert.Positive(t, s.TotalSize())

	st, ok := s.LoadNetworkState()
	assert.True(t, ok)
	assert.Equal(t, Offline, st)
}

func TestLevelDBBackendEvicts(t *testing.T) {
	b := memLevelDB(t)
	b.maxBytes = 100
	defer b.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Put(entryPrefix+k, make([]byte, 30)))
	}
	assert.LessOrEqual(t, b.Size(), int64(100))
	_, ok, err := b.Get(entryPrefix + "e")
	require.NoError(t, err)
	assert.True(t, ok, "the entry just written survives eviction")
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("OFFLINE0_TEST_REDIS_URL")
	if url == "" {
		t.Skip("OFFLINE0_TEST_REDIS_URL not set")
	}
	ns := "offline0-test-" + strings.ReplaceAll(t.Name(), "/", "-")
	b, err := NewRedisBackend(url, ns)
	require.NoError(t, err)

	s := NewStore(b, "v1")
	defer s.Close()
	require.NoError(t, s.Put("news", CacheEntry{Payload: []byte("n")}))
	ent, err := s.Get("news")
	require.NoError(t, err)
	assert.Equal(t, "n", string(ent.Payload))

	s.SetActiveVersion("v2")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n, err := s.PurgeOtherVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Keys())
}
