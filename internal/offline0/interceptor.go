package offline0

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"offline0/internal/logger"
)

// Request is one resource request from a feature service. Key is the API
// path plus raw query, e.g. "/events?term=FA24".
type Request struct {
	Method string
	Key    string
	Header http.Header
	Body   []byte
}

// RequestFromHTTP turns an incoming page request into a Request.
func RequestFromHTTP(r *http.Request) (Request, error) {
	req := Request{
		Method: r.Method,
		Key:    r.URL.RequestURI(),
		Header: r.Header.Clone(),
	}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return Request{}, err
		}
		req.Body = b
	}
	return req, nil
}

// Interceptor decides where each request's data comes from: the network when
// Online (writing successes to the Store), the Store when Offline or when the
// network fails.
type Interceptor struct {
	cfg     *Config
	client  *http.Client
	store   *Store
	monitor *Monitor
	stats   *statsCollector

	sf singleflight.Group
}

func NewInterceptor(cfg *Config, client *http.Client, store *Store, monitor *Monitor) *Interceptor {
	return &Interceptor{cfg: cfg, client: client, store: store, monitor: monitor}
}

func (i *Interceptor) cacheable(req Request) bool {
	return (req.Method == "" || req.Method == http.MethodGet) && i.cfg.Cacheable(req.Key)
}

func (i *Interceptor) Fetch(ctx context.Context, req Request) (*Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	cacheable := i.cacheable(req)
	key := cacheKey(req)

	if i.monitor.State() == Offline {
		if !cacheable {
			i.observe(outcomeUnavailable, 0)
			return nil, fmt.Errorf("%w: %s (offline, not cacheable)", ErrResourceUnavailable, req.Key)
		}
		if res, ok := i.fromCache(req.Key, key); ok {
			return res, nil
		}
		i.observe(outcomeUnavailable, 0)
		return nil, fmt.Errorf("%w: %s (offline, not cached)", ErrResourceUnavailable, req.Key)
	}

	if !cacheable {
		res, err := i.network(ctx, req)
		if err != nil {
			i.observe(outcomeFailed, 0)
			return nil, err
		}
		res.Bypass = true
		i.observe(outcomeBypass, len(res.Payload))
		return res, nil
	}

	// Identical GETs with the same credentials share one origin round trip.
	// The shared fetch is detached from any single caller's cancellation.
	ch := i.sf.DoChan(key, func() (any, error) {
		return i.networkAndStore(context.WithoutCancel(ctx), req, key)
	})
	var (
		res *Result
		err error
	)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			err = r.Err
		} else {
			shared := *r.Val.(*Result)
			res = &shared
		}
	}
	if err == nil {
		i.observe(outcomeNetwork, len(res.Payload))
		return res, nil
	}

	if cached, ok := i.fromCache(req.Key, key); ok {
		logger.GetLogger().WithFields(logrus.Fields{
			"key": req.Key,
		}).WithError(err).Debug("network failed, serving stale")
		return cached, nil
	}
	i.observe(outcomeFailed, 0)
	return nil, err
}

func (i *Interceptor) networkAndStore(ctx context.Context, req Request, key string) (*Result, error) {
	res, err := i.network(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status >= 300 || noStore(res.Header) {
		return res, nil
	}
	err = i.store.Put(key, CacheEntry{
		Status:  res.Status,
		Header:  res.Header,
		Payload: res.Payload,
	})
	if err != nil {
		logger.GetLogger().WithField("key", req.Key).WithError(err).Warn("cache write failed")
	}
	return res, nil
}

// network performs the origin round trip and reports the outcome to the
// monitor. 5xx answers are failures; anything else proves the network works.
func (i *Interceptor) network(ctx context.Context, req Request) (*Result, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, i.cfg.Server.APISource+req.Key, body)
	if err != nil {
		return nil, err
	}
	copyHeaders(hreq.Header, req.Header)
	hreq.Header.Set("Accept-Encoding", "identity")

	resp, err := i.client.Do(hreq)
	if err != nil {
		return nil, i.failed(ctx, req.Key, 0, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, i.failed(ctx, req.Key, 0, err)
	}
	if resp.StatusCode >= 500 {
		return nil, i.failed(ctx, req.Key, resp.StatusCode, fmt.Errorf("origin status %d", resp.StatusCode))
	}
	i.monitor.ReportSuccess()

	hdr := resp.Header.Clone()
	hdr.Del("Content-Length")
	return &Result{
		Key:     req.Key,
		Status:  resp.StatusCode,
		Header:  hdr,
		Payload: payload,
		Source:  SourceNetwork,
	}, nil
}

func (i *Interceptor) failed(ctx context.Context, key string, status int, err error) error {
	// a caller hanging up says nothing about the network
	if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		i.monitor.ReportFailure()
	}
	return &FetchError{Key: key, Status: status, Err: err}
}

func (i *Interceptor) fromCache(reqKey, key string) (*Result, bool) {
	ent, err := i.store.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.GetLogger().WithField("key", key).WithError(err).Warn("cache read failed")
		}
		return nil, false
	}
	i.observe(outcomeStale, len(ent.Payload))
	return &Result{
		Key:      reqKey,
		Status:   ent.Status,
		Header:   ent.Header.Clone(),
		Payload:  ent.Payload,
		Stale:    true,
		Source:   SourceCache,
		StoredAt: ent.StoredTime(),
	}, true
}

func (i *Interceptor) observe(o outcome, n int) {
	if i.stats != nil {
		i.stats.Observe(o, n)
	}
}

// cacheKey scopes req.Key by a digest of the caller's credentials, so a
// response fetched for one user is never coalesced with or replayed to
// another. Anonymous requests keep the bare key.
func cacheKey(req Request) string {
	auth := req.Header.Values("Authorization")
	cookies := req.Header.Values("Cookie")
	if len(auth) == 0 && len(cookies) == 0 {
		return req.Key
	}
	h := sha256.New()
	for _, v := range auth {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	for _, v := range cookies {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return req.Key + credentialSep + hex.EncodeToString(h.Sum(nil)[:12])
}

const credentialSep = "#cred="

func noStore(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Cache-Control")), "no-store")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Connection") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
