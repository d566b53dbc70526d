package offline0

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"offline0/internal/logger"
)

const controlPrefix = "/_offline0/"

// Service exposes a Manager over HTTP: API requests under / go through the
// Interceptor, the Page Bridge lives under /_offline0/.
type Service struct {
	cfg Config
	mgr *Manager
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	mgr := NewManager(cfg, backend)
	if err := mgr.Init(ctx); err != nil {
		_ = mgr.Teardown()
		return nil, err
	}
	return &Service{cfg: cfg, mgr: mgr}, nil
}

// NewServiceWithManager serves an already initialised Manager.
func NewServiceWithManager(cfg Config, mgr *Manager) *Service {
	return &Service{cfg: cfg, mgr: mgr}
}

func (s *Service) Manager() *Manager { return s.mgr }

func (s *Service) Close() error {
	return s.mgr.Teardown()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(controlPrefix+"status", s.handleStatus)
	mux.HandleFunc(controlPrefix+"state", s.handleState)
	mux.HandleFunc(controlPrefix+"link", s.handleLink)
	mux.HandleFunc("/", s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, controlPrefix) {
		http.NotFound(w, r)
		return
	}
	req, err := RequestFromHTTP(r)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := s.mgr.interceptor.Fetch(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, ErrResourceUnavailable):
		setOfflineHeaders(w.Header(), "unavailable")
		http.Error(w, "resource unavailable", http.StatusServiceUnavailable)
		return
	default:
		logger.GetLogger().WithField("key", req.Key).WithError(err).Debug("fetch failed")
		setOfflineHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	kind := "network"
	switch {
	case res.Stale:
		kind = "stale"
		w.Header().Set("X-Offline0-Stored-At", res.StoredAt.Format(time.RFC3339))
	case res.Bypass:
		kind = "bypass"
	}
	writeResult(w, res, kind)
}

func writeResult(w http.ResponseWriter, res *Result, kind string) {
	for k, vs := range res.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), kind)
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Payload)
}

func setOfflineHeaders(h http.Header, kind string) {
	if kind != "" {
		h.Set("X-Offline0", kind)
	}
	// custom headers are hidden from page JS in CORS contexts unless exposed
	ensureExposedHeader(h, "X-Offline0")
	ensureExposedHeader(h, "X-Offline0-Stored-At")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}
