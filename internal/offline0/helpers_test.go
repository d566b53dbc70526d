package offline0

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func testConfig(t *testing.T, apiSource string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Cache.Backend = "memory"
	cfg.Server.APISource = apiSource
	cfg.timeoutDur = 2 * time.Second
	cfg.linkEveryDur = 0
	cfg.probeEveryDur = 0
	return cfg
}

func memLevelDB(t *testing.T) *LevelDBBackend {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	b, err := NewLevelDBBackend(db, 0)
	require.NoError(t, err)
	return b
}

// fakeAPI is an origin whose behaviour per path can be switched at runtime.
type fakeAPI struct {
	*httptest.Server

	mu     sync.Mutex
	status map[string]int
	body   map[string]string
	hits   atomic.Int64
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{status: map[string]int{}, body: map[string]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.mu.Lock()
		st, ok := f.status[r.URL.Path]
		body := f.body[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			st = http.StatusOK
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(st)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) set(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = status
	f.body[path] = body
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, NewMemoryBackend(0))
	m.LinkCheck = nil
	t.Cleanup(func() { _ = m.Teardown() })
	return m
}

// recorder collects bridge deliveries.
type recorder struct {
	mu   sync.Mutex
	msgs []StatusMessage
}

func (r *recorder) cb(msg StatusMessage) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) states() []NetworkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NetworkState, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.State
	}
	return out
}
