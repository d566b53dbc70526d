package offline0

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type outcome int

const (
	outcomeNetwork outcome = iota
	outcomeStale
	outcomeBypass
	outcomeUnavailable
	outcomeFailed
)

type statsCollector struct {
	network     atomic.Uint64
	stale       atomic.Uint64
	bypass      atomic.Uint64
	unavailable atomic.Uint64
	failed      atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(o outcome, respBytes int) {
	switch o {
	case outcomeNetwork:
		s.network.Add(1)
	case outcomeStale:
		s.stale.Add(1)
	case outcomeBypass:
		s.bypass.Add(1)
	case outcomeUnavailable:
		s.unavailable.Add(1)
		return
	case outcomeFailed:
		s.failed.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Network     uint64
	Stale       uint64
	Bypass      uint64
	Unavailable uint64
	Failed      uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Network:     s.network.Load(),
		Stale:       s.stale.Load(),
		Bypass:      s.bypass.Load(),
		Unavailable: s.unavailable.Load(),
		Failed:      s.failed.Load(),
	}
	served := ss.Network + ss.Stale + ss.Bypass
	if served == 0 {
		return ss
	}
	ss.MinRespBytes = s.minRespBytes.Load()
	if ss.MinRespBytes == math.MaxUint64 {
		ss.MinRespBytes = 0
	}
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = s.totalRespBytes.Load() / served
	return ss
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
