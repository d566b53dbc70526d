package offline0

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// interfacesUp is the platform link signal: some non-loopback interface is up
// and has an address.
func interfacesUp() bool {
	ifs, err := net.Interfaces()
	if err != nil {
		return true
	}
	for _, ifc := range ifs {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

func (m *Manager) linkLoop(every time.Duration, check func() bool) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.monitor.SetLink(check())
		}
	}
}

// probeLoop checks the API source while Offline so the monitor can recover
// without waiting for a page request.
func (m *Manager) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			if m.monitor.State() != Offline {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := m.probeOnce(ctx)
			cancel()
			if err != nil {
				m.probeLog.Printf("probe failed: %v", err)
				continue
			}
			m.monitor.ReportSuccess()
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.Server.APISource+m.cfg.Network.ProbePath, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
