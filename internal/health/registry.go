// Package health tracks peer service liveness from retained
// system/health/+ messages rather than probing services itself:
// every collaborator publishes its own status retained, so the
// registry only has to observe, conflate, and age it out. This is the
// inbound mirror of a traditional outbound health watcher — the
// registry is told, it never asks.
package health

import (
	"log/slog"
	"sync"
	"time"
)

// Status is one peer's most recently observed health state.
type Status struct {
	Service  string
	OK       bool
	Event    string
	Err      string
	LastSeen time.Time
}

// Stale reports whether Status has not been refreshed within grace of
// now, meaning the peer is presumed down even without an explicit
// health.status=false.
func (s Status) Stale(now time.Time, grace time.Duration) bool {
	return now.Sub(s.LastSeen) > grace
}

// Registry stores the latest Status per peer and notifies subscribers
// of changes. Subscriber channels are conflated: a slow subscriber
// sees only the latest snapshot, never a backlog, because connection
// health is a level, not an event log.
type Registry struct {
	logger *slog.Logger
	grace  time.Duration

	mu       sync.RWMutex
	peers    map[string]Status
	subs     map[chan map[string]Status]struct{}
	closeCh  chan struct{}
	once     sync.Once
	onChange func(service string, ok bool)
}

// New constructs a Registry. grace is how long a peer may go without a
// fresh retained message before Sweep marks it stale.
func New(logger *slog.Logger, grace time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = time.Minute
	}
	return &Registry{
		logger:  logger,
		grace:   grace,
		peers:   make(map[string]Status),
		subs:    make(map[chan map[string]Status]struct{}),
		closeCh: make(chan struct{}),
	}
}

// Observe records a health.status message from service, bypassing
// the dispatcher's dedup cache entirely: retained-message redelivery
// on reconnect is exactly the signal a registry needs, not noise to
// suppress.
func (r *Registry) Observe(service string, ok bool, event, errText string) {
	r.mu.Lock()
	r.peers[service] = Status{
		Service:  service,
		OK:       ok,
		Event:    event,
		Err:      errText,
		LastSeen: time.Now(),
	}
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(service, ok)
	}
	r.notify()
}

// SetChangeHook registers fn to be called every time Observe or Sweep
// records a service's health, after the new status is visible to
// Snapshot/IsHealthy. Used to mirror status onto the service health
// gauge without this package importing prometheus directly.
func (r *Registry) SetChangeHook(fn func(service string, ok bool)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Snapshot returns a copy of every peer's last-known status.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.peers))
	for k, v := range r.peers {
		out[k] = v
	}
	return out
}

// IsHealthy reports whether service is both marked OK and not stale.
func (r *Registry) IsHealthy(service string) bool {
	r.mu.RLock()
	s, ok := r.peers[service]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return s.OK && !s.Stale(time.Now(), r.grace)
}

// Sweep marks any peer that has not been observed within grace as
// stale by flipping OK to false, without discarding the entry (a
// collaborator that goes quiet is still interesting history). Returns
// the services that transitioned in this sweep.
func (r *Registry) Sweep() []string {
	now := time.Now()
	var changed []string

	r.mu.Lock()
	fn := r.onChange
	for name, s := range r.peers {
		if s.OK && s.Stale(now, r.grace) {
			s.OK = false
			s.Event = "stale"
			r.peers[name] = s
			changed = append(changed, name)
		}
	}
	r.mu.Unlock()

	if len(changed) > 0 {
		r.logger.Info("health: peers went stale", "services", changed)
		if fn != nil {
			for _, name := range changed {
				fn(name, false)
			}
		}
		r.notify()
	}
	return changed
}

// Run periodically sweeps for staleness every interval until stop is
// closed.
func (r *Registry) Run(stop <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = r.grace / 2
		if interval <= 0 {
			interval = 30 * time.Second
		}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// SubscribeChanges returns a channel that receives the full snapshot
// every time any peer's status changes. The channel is buffered to 1
// and conflated: if the consumer is slower than the update rate, it
// only ever sees the latest snapshot, never a queue of stale ones.
func (r *Registry) SubscribeChanges() <-chan map[string]Status {
	ch := make(chan map[string]Status, 1)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to a channel returned by SubscribeChanges.
func (r *Registry) Unsubscribe(ch <-chan map[string]Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		if sub == ch {
			delete(r.subs, sub)
			close(sub)
			return
		}
	}
}

func (r *Registry) notify() {
	snap := r.Snapshot()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- snap:
		default:
			// Drain the stale snapshot and replace it so the
			// subscriber always sees the latest, never a backlog.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}
