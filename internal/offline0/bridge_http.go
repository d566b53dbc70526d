package offline0

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sseKeepAlive = 25 * time.Second

// handleStatus streams StatusMessages to one page as server-sent events for
// as long as the request lives.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.mgr.bridge.AllowOrigin(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}

	ctx := r.Context()
	msgs := make(chan StatusMessage, 16)
	reg := s.mgr.bridge.Register(func(msg StatusMessage) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
		}
	})
	defer reg.Unregister()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	t := time.NewTicker(sseKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reg.Done():
			return
		case <-t.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-msgs:
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type stateResponse struct {
	State   NetworkState `json:"state"`
	Version CacheVersion `json:"version"`
	Ready   bool         `json:"ready"`
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !s.mgr.bridge.AllowOrigin(origin) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(stateResponse{
		State:   s.mgr.bridge.State(),
		Version: s.mgr.store.ActiveVersion(),
		Ready:   s.mgr.store.Ready(),
	})
}

// handleLink accepts a platform connectivity signal in StatusMessage shape.
func (s *Service) handleLink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	msg, err := s.mgr.bridge.DecodeStatusMessage(body, r.Header.Get("Origin"))
	switch {
	case errors.Is(err, ErrOriginNotAllowed):
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mgr.monitor.SetLink(msg.State == Online)
	w.WriteHeader(http.StatusNoContent)
}
