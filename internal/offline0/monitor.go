package offline0

import (
	"sync"

	"github.com/sirupsen/logrus"

	"offline0/internal/logger"
)

// StatePersister keeps the NetworkState across restarts.
type StatePersister interface {
	LoadNetworkState() (NetworkState, bool)
	SaveNetworkState(NetworkState) error
}

// Monitor owns the process-wide NetworkState.
//
// It goes Offline when the platform reports the link down or when
// consecutive fetch failures reach the threshold, and back Online on link up
// or on the first successful fetch. Every transition is persisted and emitted
// exactly once, under mu, so emission order equals transition order.
type Monitor struct {
	mu        sync.Mutex
	state     NetworkState
	linkUp    bool
	failures  int
	threshold int

	persist StatePersister
	emit    func(StatusMessage)
	hooks   []func(from, to NetworkState)
}

// NewMonitor starts from the persisted state when persist has one, and
// assumes Online otherwise.
func NewMonitor(threshold int, persist StatePersister, emit func(StatusMessage)) *Monitor {
	if threshold <= 0 {
		threshold = 1
	}
	m := &Monitor{
		state:     Online,
		linkUp:    true,
		threshold: threshold,
		persist:   persist,
		emit:      emit,
	}
	if persist != nil {
		if st, ok := persist.LoadNetworkState(); ok {
			m.state = st
		}
	}
	return m
}

// OnTransition registers fn to be called after every transition. fn runs on
// the signalling goroutine and must not block.
func (m *Monitor) OnTransition(fn func(from, to NetworkState)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Monitor) State() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failures is the current run of consecutive fetch failures.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// SetLink applies a platform connectivity signal. Repeating the previous
// signal is a no-op.
func (m *Monitor) SetLink(up bool) {
	m.mu.Lock()
	if up == m.linkUp {
		m.mu.Unlock()
		return
	}
	m.linkUp = up
	to := Offline
	reason := "link down"
	if up {
		to = Online
		reason = "link up"
		m.failures = 0
	}
	hooks, from, changed := m.transitionLocked(to, reason)
	m.mu.Unlock()
	runHooks(hooks, from, to, changed)
}

func (m *Monitor) ReportSuccess() {
	m.mu.Lock()
	m.failures = 0
	hooks, from, changed := m.transitionLocked(Online, "fetch succeeded")
	m.mu.Unlock()
	runHooks(hooks, from, Online, changed)
}

func (m *Monitor) ReportFailure() {
	m.mu.Lock()
	m.failures++
	if m.state == Offline || m.failures < m.threshold {
		m.mu.Unlock()
		return
	}
	hooks, from, changed := m.transitionLocked(Offline, "consecutive fetch failures")
	m.mu.Unlock()
	runHooks(hooks, from, Offline, changed)
}

func (m *Monitor) transitionLocked(to NetworkState, reason string) ([]func(from, to NetworkState), NetworkState, bool) {
	from := m.state
	if from == to {
		return nil, from, false
	}
	m.state = to

	log := logger.GetLogger().WithFields(logrus.Fields{
		"from":     from.String(),
		"to":       to.String(),
		"reason":   reason,
		"failures": m.failures,
	})
	log.Info("network state changed")

	if m.persist != nil {
		if err := m.persist.SaveNetworkState(to); err != nil {
			log.WithError(err).Warn("persist network state")
		}
	}
	if m.emit != nil {
		m.emit(StatusMessage{State: to})
	}
	hooks := make([]func(from, to NetworkState), len(m.hooks))
	copy(hooks, m.hooks)
	return hooks, from, true
}

func runHooks(hooks []func(from, to NetworkState), from, to NetworkState, changed bool) {
	if !changed {
		return
	}
	for _, fn := range hooks {
		fn(from, to)
	}
}
