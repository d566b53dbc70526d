package offline0

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offline0/internal/logger"
)

type diskMeta struct {
	Size       int64
	LastAccess int64
}

// LevelDBBackend persists entries in a leveldb directory. It keeps an in-memory
// size index so it can evict the least recently accessed tenth of the
// entries once maxBytes is exceeded.
type LevelDBBackend struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64
}

func OpenLevelDBBackend(path string, maxBytes int64) (*LevelDBBackend, error) {
	db, err := leveldb.OpenFile(path, nil)
	if lerrors.IsCorrupted(err) {
		logger.GetLogger().WithField("path", path).Warn("leveldb corrupted, recovering")
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return NewLevelDBBackend(db, maxBytes)
}

// NewLevelDBBackend wraps an already open db.
func NewLevelDBBackend(db *leveldb.DB, maxBytes int64) (*LevelDBBackend, error) {
	d := &LevelDBBackend{
		maxBytes: maxBytes,
		db:       db,
		index:    map[string]diskMeta{},
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *LevelDBBackend) loadIndex() error {
	it := d.db.NewIterator(nil, nil)
	defer it.Release()

	now := time.Now().UnixNano()
	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		sz := int64(len(it.Value()))
		idx[string(it.Key())] = diskMeta{Size: sz, LastAccess: now}
		total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDBBackend) Get(key string) ([]byte, bool, error) {
	b, err := d.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if lerrors.IsCorrupted(err) {
		return nil, false, fmt.Errorf("%w: %v", ErrCacheCorruption, err)
	}
	if err != nil {
		return nil, false, err
	}
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		meta.LastAccess = time.Now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	return b, true, nil
}

func (d *LevelDBBackend) Put(key string, val []byte) error {
	if err := d.db.Put([]byte(key), val, nil); err != nil {
		return err
	}
	sz := int64(len(val))

	d.mu.Lock()
	d.totalSize += sz - d.index[key].Size
	d.index[key] = diskMeta{Size: sz, LastAccess: time.Now().UnixNano()}
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.evictSome(key)
	}
	return nil
}

func (d *LevelDBBackend) Delete(key string) error {
	if err := d.db.Delete([]byte(key), nil); err != nil {
		return err
	}
	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDBBackend) Iterate(prefix string, fn func(key string, val []byte) bool) error {
	it := d.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	for it.Next() {
		// iterator buffers are reused between steps
		val := make([]byte, len(it.Value()))
		copy(val, it.Value())
		if !fn(string(it.Key()), val) {
			break
		}
	}
	return it.Error()
}

func (d *LevelDBBackend) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDBBackend) Close() error {
	return d.db.Close()
}

func (d *LevelDBBackend) evictSome(keep string) {
	type item struct {
		key string
		m   diskMeta
	}
	d.mu.Lock()
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		if k == keep || !strings.HasPrefix(k, entryPrefix) {
			continue
		}
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	batch := new(leveldb.Batch)
	for i := 0; i < n && i < len(items); i++ {
		batch.Delete([]byte(items[i].key))
	}
	if err := d.db.Write(batch, nil); err != nil {
		logger.GetLogger().WithError(err).Warn("leveldb eviction failed")
		return
	}
	d.mu.Lock()
	for i := 0; i < n && i < len(items); i++ {
		if meta, ok := d.index[items[i].key]; ok {
			d.totalSize -= meta.Size
			delete(d.index, items[i].key)
		}
	}
	d.mu.Unlock()
}
