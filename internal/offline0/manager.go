package offline0

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"offline0/internal/logger"
)

// Manager owns the cache generation and network state for the process and
// wires the Store, Monitor, Bridge and Interceptor together.
type Manager struct {
	cfg Config

	httpClient *http.Client

	store       *Store
	monitor     *Monitor
	bridge      *Bridge
	interceptor *Interceptor
	stats       *statsCollector

	// LinkCheck is the platform connectivity signal polled every
	// network.linkCheckEvery. Replace it before Init.
	LinkCheck func() bool

	bgSem    chan struct{}
	probeLog *rateLimitedLogger

	mu      sync.Mutex
	started bool

	// bgMu orders wg.Add in spawn against the close in Teardown.
	bgMu     sync.Mutex
	closing  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewManager(cfg Config, backend Backend) *Manager {
	m := &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.timeoutDur},
		LinkCheck:  interfacesUp,
		bgSem:      make(chan struct{}, 32),
		probeLog:   newRateLimitedLogger(time.Minute),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
	}
	m.store = NewStore(backend, CacheVersion(cfg.Cache.Version))
	m.monitor = NewMonitor(cfg.Network.FailureThreshold, m.store, func(msg StatusMessage) {
		m.bridge.Publish(msg)
	})
	m.bridge = NewBridge(m.monitor.State(), cfg.Bridge.AllowedOrigins)
	m.interceptor = NewInterceptor(&m.cfg, m.httpClient, m.store, m.monitor)
	m.interceptor.stats = m.stats
	return m
}

func (m *Manager) Store() *Store             { return m.store }
func (m *Manager) Monitor() *Monitor         { return m.monitor }
func (m *Manager) Bridge() *Bridge           { return m.bridge }
func (m *Manager) Interceptor() *Interceptor { return m.interceptor }

// Init purges other cache generations, then starts the background loops.
// Nothing may be served before Init returns.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return ErrClosed
	default:
	}
	if m.started {
		return nil
	}

	if _, err := m.store.PurgeOtherVersions(ctx); err != nil {
		return fmt.Errorf("initial purge: %w", err)
	}
	m.started = true

	log := logger.GetLogger().WithFields(logrus.Fields{
		"version": m.cfg.Cache.Version,
		"backend": m.cfg.Cache.Backend,
		"state":   m.monitor.State().String(),
	})
	log.Info("cache manager ready")

	if m.cfg.linkEveryDur > 0 && m.LinkCheck != nil {
		m.spawn(func() { m.linkLoop(m.cfg.linkEveryDur, m.LinkCheck) })
	}
	if m.cfg.probeEveryDur > 0 {
		m.spawn(func() { m.probeLoop(m.cfg.probeEveryDur) })
	}
	if every := m.cfg.Logging.logStatsEveryDur; every > 0 {
		m.spawn(func() { m.statsLoop(every) })
	}

	if len(m.cfg.Precache) > 0 {
		m.monitor.OnTransition(func(from, to NetworkState) {
			if to == Online {
				m.precacheAsync()
			}
		})
		if m.monitor.State() == Online {
			m.precacheAsync()
		}
	}
	return nil
}

// Teardown stops the background loops, detaches every page and closes the store.
func (m *Manager) Teardown() error {
	var err error
	m.stopOnce.Do(func() {
		m.bgMu.Lock()
		m.closing = true
		close(m.stopCh)
		m.bgMu.Unlock()
		m.wg.Wait()
		m.bridge.Close()
		err = m.store.Close()
	})
	return err
}

// SwitchVersion activates v and purges every other generation.
func (m *Manager) SwitchVersion(ctx context.Context, v CacheVersion) (int, error) {
	m.store.SetActiveVersion(v)
	return m.store.PurgeOtherVersions(ctx)
}

// spawn runs fn on a goroutine Teardown waits for. It reports false once
// Teardown has begun.
func (m *Manager) spawn(fn func()) bool {
	m.bgMu.Lock()
	defer m.bgMu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

func (m *Manager) precacheAsync() {
	select {
	case m.bgSem <- struct{}{}:
	default:
		return
	}
	ok := m.spawn(func() {
		defer func() { <-m.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		stored, failed := m.precacheOnce(ctx)
		logger.GetLogger().WithFields(logrus.Fields{
			"stored": stored,
			"failed": failed,
		}).Info("precache finished")
	})
	if !ok {
		<-m.bgSem
	}
}

func (m *Manager) precacheOnce(ctx context.Context) (stored, failed int) {
	for _, key := range m.cfg.Precache {
		if ctx.Err() != nil || m.monitor.State() == Offline {
			return stored, failed
		}
		res, err := m.interceptor.Fetch(ctx, Request{Method: http.MethodGet, Key: key})
		if err != nil || res.Stale {
			failed++
			continue
		}
		stored++
	}
	return stored, failed
}

func (m *Manager) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			ss := m.stats.Snapshot()
			fields := logrus.Fields{
				"state":       m.monitor.State().String(),
				"version":     string(m.store.ActiveVersion()),
				"size":        formatBytes(uint64(m.store.TotalSize())),
				"pages":       m.bridge.Subscribers(),
				"network":     ss.Network,
				"stale":       ss.Stale,
				"bypass":      ss.Bypass,
				"unavailable": ss.Unavailable,
				"failed":      ss.Failed,
				"resp":        formatBytes(ss.MinRespBytes) + "/" + formatBytes(ss.AvgRespBytes) + "/" + formatBytes(ss.MaxRespBytes),
			}
			if rss, ok := processRSSBytes(); ok {
				fields["rss"] = formatBytes(rss)
			}
			logger.GetLogger().WithFields(fields).Info("stats")
		}
	}
}
