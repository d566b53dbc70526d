package offline0

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Bridge fans StatusMessages out to registered pages. Every registration has
// its own ordered queue and goroutine, so a slow page never delays the monitor
// or other pages.
type Bridge struct {
	mu   sync.Mutex
	last StatusMessage
	subs map[uuid.UUID]*Registration

	anyOrigin bool
	allowed   map[string]struct{}
}

func NewBridge(initial NetworkState, allowedOrigins []string) *Bridge {
	b := &Bridge{
		last:    StatusMessage{State: initial},
		subs:    map[uuid.UUID]*Registration{},
		allowed: map[string]struct{}{},
	}
	for _, o := range allowedOrigins {
		o = normalizeOrigin(o)
		if o == "*" {
			b.anyOrigin = true
			continue
		}
		if o != "" {
			b.allowed[o] = struct{}{}
		}
	}
	return b
}

// Registration is one page's subscription.
type Registration struct {
	ID uuid.UUID

	bridge *Bridge
	cb     func(StatusMessage)

	mu     sync.Mutex
	queue  []StatusMessage
	signal chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Register subscribes cb. The current state is delivered right away, and
// afterwards each transition at most once.
func (b *Bridge) Register(cb func(StatusMessage)) *Registration {
	r := &Registration{
		ID:     uuid.New(),
		bridge: b,
		cb:     cb,
		signal: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	r.enqueue(b.last)
	b.subs[r.ID] = r
	b.mu.Unlock()

	go r.deliverLoop()
	return r
}

// Unregister stops delivery. Messages still queued are dropped.
func (r *Registration) Unregister() {
	r.stopOnce.Do(func() {
		r.bridge.mu.Lock()
		delete(r.bridge.subs, r.ID)
		r.bridge.mu.Unlock()
		close(r.stopCh)
	})
}

// Done is closed once the delivery goroutine has exited.
func (r *Registration) Done() <-chan struct{} { return r.done }

func (r *Registration) enqueue(msg StatusMessage) {
	r.mu.Lock()
	r.queue = append(r.queue, msg)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *Registration) deliverLoop() {
	defer close(r.done)
	var (
		delivered bool
		last      NetworkState
	)
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.signal:
		}
		r.mu.Lock()
		batch := r.queue
		r.queue = nil
		r.mu.Unlock()

		for _, msg := range batch {
			select {
			case <-r.stopCh:
				return
			default:
			}
			if delivered && msg.State == last {
				continue
			}
			r.cb(msg)
			delivered, last = true, msg.State
		}
	}
}

// Publish records msg as the latest state and queues it for every page.
// It never blocks on delivery.
func (b *Bridge) Publish(msg StatusMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.last = msg
	for _, r := range b.subs {
		r.enqueue(msg)
	}
}

// State is the last published NetworkState.
func (b *Bridge) State() NetworkState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.State
}

func (b *Bridge) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unregisters every page.
func (b *Bridge) Close() {
	b.mu.Lock()
	regs := make([]*Registration, 0, len(b.subs))
	for _, r := range b.subs {
		regs = append(regs, r)
	}
	b.mu.Unlock()
	for _, r := range regs {
		r.Unregister()
	}
}

// AllowOrigin reports whether messages from origin are accepted. Requests
// without an Origin are same-origin and always allowed.
func (b *Bridge) AllowOrigin(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" || b.anyOrigin {
		return true
	}
	_, ok := b.allowed[origin]
	return ok
}

// DecodeStatusMessage validates data against the {"state":"online"|"offline"}
// shape and rejects it when origin is not allowed.
func (b *Bridge) DecodeStatusMessage(data []byte, origin string) (StatusMessage, error) {
	if !b.AllowOrigin(origin) {
		return StatusMessage{}, fmt.Errorf("%w: %q", ErrOriginNotAllowed, origin)
	}
	var raw struct {
		State *NetworkState `json:"state"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return StatusMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if raw.State == nil {
		return StatusMessage{}, fmt.Errorf("%w: missing state", ErrInvalidMessage)
	}
	return StatusMessage{State: *raw.State}, nil
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
