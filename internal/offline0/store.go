package offline0

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/logger"
)

const networkStateKey = statePrefix + "network"

type storeOp struct {
	delKey string
	flush  chan struct{}
}

// Store maps resource keys to CacheEntry values of the active generation.
//
// Put, PurgeOtherVersions, SetActiveVersion and queued deletions are
// serialized on writeMu. Get never takes it: it snapshots the active version
// when called and only returns entries of that version.
type Store struct {
	backend Backend

	active atomic.Pointer[CacheVersion]
	ready  atomic.Bool

	writeMu sync.Mutex

	ops       chan storeOp
	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewStore(backend Backend, version CacheVersion) *Store {
	s := &Store{
		backend: backend,
		ops:     make(chan storeOp, 1024),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.active.Store(&version)
	go s.deleterLoop()
	return s
}

func (s *Store) ActiveVersion() CacheVersion { return *s.active.Load() }

// SetActiveVersion switches generations. Old entries stay on disk until
// PurgeOtherVersions or a Get removes them, but are never served again.
func (s *Store) SetActiveVersion(v CacheVersion) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	old := s.ActiveVersion()
	if old == v {
		return
	}
	s.active.Store(&v)
	logger.GetLogger().WithFields(logrus.Fields{
		"from": string(old),
		"to":   string(v),
	}).Info("cache version switched")
}

// Ready reports whether a full purge has completed since the store was opened.
func (s *Store) Ready() bool { return s.ready.Load() }

func (s *Store) Get(key string) (CacheEntry, error) {
	version := s.ActiveVersion()
	b, ok, err := s.backend.Get(entryPrefix + key)
	if errors.Is(err, ErrCacheCorruption) {
		logger.GetLogger().WithField("key", key).WithError(err).Warn("dropping unreadable cache entry")
		s.scheduleDelete(key)
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		return CacheEntry{}, ErrNotFound
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		logger.GetLogger().WithField("key", key).WithError(err).Warn("dropping corrupt cache entry")
		s.scheduleDelete(key)
		return CacheEntry{}, ErrNotFound
	}
	if ent.Version != version {
		s.scheduleDelete(key)
		return CacheEntry{}, ErrNotFound
	}
	return ent, nil
}

// Put stores ent under key in the active generation, replacing any prior entry.
func (s *Store) Put(key string, ent CacheEntry) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ent.Key = key
	ent.Version = s.ActiveVersion()
	if ent.StoredAt == 0 {
		ent.StoredAt = time.Now().UTC().UnixNano()
	}
	ent.Hash32 = crc32.ChecksumIEEE(ent.Payload)
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.backend.Put(entryPrefix+key, b); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// PurgeOtherVersions deletes every entry that is not of the active version or
// cannot be decoded. It is safe to re-run after an interrupted purge.
func (s *Store) PurgeOtherVersions(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	version := s.ActiveVersion()
	var stale []string
	err := s.backend.Iterate(entryPrefix, func(k string, b []byte) bool {
		if !entryMatches(b, version) {
			stale = append(stale, k)
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge scan: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, k := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := s.backend.Delete(k); err != nil {
			return removed, fmt.Errorf("purge delete %s: %w", k, err)
		}
		removed++
	}
	s.ready.Store(true)
	if removed > 0 {
		logger.GetLogger().WithFields(logrus.Fields{
			"version": string(version),
			"removed": removed,
		}).Info("purged other cache generations")
	}
	return removed, nil
}

func entryMatches(b []byte, version CacheVersion) bool {
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return false
	}
	return ent.Version == version
}

// Keys lists the keys of the active generation.
func (s *Store) Keys() []string {
	version := s.ActiveVersion()
	var out []string
	_ = s.backend.Iterate(entryPrefix, func(k string, b []byte) bool {
		if entryMatches(b, version) {
			out = append(out, strings.TrimPrefix(k, entryPrefix))
		}
		return true
	})
	return out
}

func (s *Store) TotalSize() int64 { return s.backend.Size() }

// LoadNetworkState returns the last persisted state, if any.
func (s *Store) LoadNetworkState() (NetworkState, bool) {
	b, ok, err := s.backend.Get(networkStateKey)
	if err != nil || !ok {
		return Online, false
	}
	st, err := ParseNetworkState(string(b))
	if err != nil {
		return Online, false
	}
	return st, true
}

// SaveNetworkState does not take writeMu so a long purge never stalls the monitor.
func (s *Store) SaveNetworkState(st NetworkState) error {
	return s.backend.Put(networkStateKey, []byte(st.String()))
}

func (s *Store) scheduleDelete(key string) {
	select {
	case s.ops <- storeOp{delKey: key}:
	case <-s.stopCh:
	default:
		// queue full; the next purge or Get reschedules it
	}
}

// Flush waits until every deletion queued so far has been applied.
func (s *Store) Flush() {
	ch := make(chan struct{})
	select {
	case s.ops <- storeOp{flush: ch}:
	case <-s.stopCh:
		return
	}
	select {
	case <-ch:
	case <-s.done:
	}
}

func (s *Store) deleterLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		case op := <-s.ops:
			if op.flush != nil {
				close(op.flush)
				continue
			}
			s.applyDelete(op.delKey)
		}
	}
}

// applyDelete re-checks the predicate so an entry rewritten under the active
// version after the Get that queued it survives.
func (s *Store) applyDelete(key string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	b, ok, err := s.backend.Get(entryPrefix + key)
	switch {
	case errors.Is(err, ErrCacheCorruption):
	case err != nil || !ok:
		return
	case entryMatches(b, s.ActiveVersion()):
		return
	}
	if err := s.backend.Delete(entryPrefix + key); err != nil {
		logger.GetLogger().WithField("key", key).WithError(err).Warn("cache delete failed")
	}
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		err = s.backend.Close()
	})
	return err
}
