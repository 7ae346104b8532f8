// Package dispatcher fans inbound broker messages out to registered
// handlers: topic filters resolve with MQTT wildcard semantics, each
// handler runs isolated (panic-recovering, time-bounded), and envelope
// ids are deduplicated within a bounded window so retained-message
// redelivery and at-least-once QoS never double-fire a handler.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tars-project/router-core/internal/envelope"
	"github.com/tars-project/router-core/internal/metrics"
)

// ErrHandlerTimeout is logged (not returned; handlers have no error
// return) when a handler invocation exceeds its bounded timeout.
var ErrHandlerTimeout = errors.New("dispatcher: handler timed out")

// Publisher is the subset of the broker client a handler needs to
// respond. Kept narrow so handlers can be unit tested against a fake.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Ctx is passed to every handler invocation. It carries the
// per-message correlation id, a publisher for replies, a logger
// already scoped to this message, the shared metrics instance, and a
// Cancel func that tears down the handler's bounded context early.
type Ctx struct {
	Correlate string
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Cancel    context.CancelFunc
}

// Handler processes one decoded envelope delivered on a matching
// topic. Handlers run with a bounded context; they should respect
// ctx.Done() for anything that can block.
type Handler func(ctx context.Context, dctx Ctx, topic string, env envelope.Envelope)

type binding struct {
	pattern string
	handler Handler
}

// Dispatcher owns topic routing, dedup, and handler isolation.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu       sync.RWMutex
	bindings []binding

	dedup *dedupCache

	stopped atomic.Bool
	active  sync.WaitGroup
}

// New constructs a Dispatcher. timeout bounds every handler
// invocation; dedupTTL and dedupMax bound the envelope-id cache.
func New(logger *slog.Logger, m *metrics.Metrics, timeout, dedupTTL time.Duration, dedupMax int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		timeout: timeout,
		dedup:   newDedupCache(dedupTTL, dedupMax),
	}
}

// Stop drains in-flight dispatch calls (and the handler tasks they
// spawned) up to ctx's deadline, then returns regardless of whether
// any are still running. After Stop is called, new inbound messages
// are dropped rather than dispatched. Safe to call once; a second
// call is a no-op beyond re-waiting on an already-empty WaitGroup.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopped.Store(true)

	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher: stop grace period elapsed with handlers still in flight")
	}
}

// Bind registers handler for every topic matching pattern (MQTT
// wildcard syntax: "+" and "#"). Multiple handlers may bind to
// overlapping patterns; all matches for a topic run.
func (d *Dispatcher) Bind(pattern string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{pattern: pattern, handler: handler})
}

// Dispatch decodes payload as an Envelope, checks it against the dedup
// cache, and runs every handler whose bound pattern matches topic.
// This is the function wired as the broker client's message Handler.
func (d *Dispatcher) Dispatch(topic string, payload []byte, pub Publisher) {
	ctx := context.Background()
	d.DispatchContext(ctx, topic, payload, pub)
}

// DispatchContext is Dispatch with caller-supplied context, used by
// tests and by the supervisor when it wants dispatch to inherit
// shutdown cancellation.
func (d *Dispatcher) DispatchContext(ctx context.Context, topic string, payload []byte, pub Publisher) {
	if d.stopped.Load() {
		d.logger.Debug("dispatcher: stopped, dropping inbound message", "topic", topic)
		return
	}
	d.active.Add(1)
	defer d.active.Done()

	start := time.Now()
	if d.metrics != nil {
		d.metrics.MessagesReceived.WithLabelValues(topic).Inc()
	}

	env, err := envelope.Decode(payload)
	if err != nil {
		d.logger.Warn("dispatcher: decode failed", "topic", topic, "error", err)
		return
	}

	if d.dedup.seen(env.ID) {
		d.logger.Debug("dispatcher: duplicate suppressed", "topic", topic, "id", env.ID)
		if d.metrics != nil {
			d.metrics.DedupHits.Inc()
		}
		return
	}

	d.mu.RLock()
	matches := make([]Handler, 0, 2)
	for _, b := range d.bindings {
		if envelope.TopicMatches(b.pattern, topic) {
			matches = append(matches, b.handler)
		}
	}
	d.mu.RUnlock()

	if len(matches) == 0 {
		return
	}

	if d.metrics != nil {
		d.metrics.MessagesDispatched.WithLabelValues(topic).Inc()
		defer func() {
			d.metrics.DispatchLatency.WithLabelValues(topic).Observe(float64(time.Since(start)) / float64(time.Millisecond))
		}()
	}

	var wg sync.WaitGroup
	wg.Add(len(matches))
	for _, h := range matches {
		h := h
		go func() {
			defer wg.Done()
			d.runHandler(ctx, h, topic, env, pub)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) runHandler(ctx context.Context, h Handler, topic string, env envelope.Envelope, pub Publisher) {
	timeout := d.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dctx := Ctx{
		Correlate: env.Correlate,
		Publisher: pub,
		Logger:    d.logger.With("correlate", env.Correlate, "type", env.Type),
		Metrics:   d.metrics,
		Cancel:    cancel,
	}

	done := make(chan struct{})
	start := time.Now()
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatcher: handler panicked", "topic", topic, "panic", r)
				if d.metrics != nil {
					d.metrics.HandlerErrors.WithLabelValues(topic).Inc()
				}
			}
		}()
		h(hctx, dctx, topic, env)
	}()

	select {
	case <-done:
		if d.metrics != nil {
			d.metrics.HandlerLatency.WithLabelValues(topic).Observe(float64(time.Since(start)) / float64(time.Millisecond))
		}
	case <-hctx.Done():
		d.logger.Warn("dispatcher: handler timed out", "topic", topic, "error", ErrHandlerTimeout)
		if d.metrics != nil {
			d.metrics.HandlerErrors.WithLabelValues(topic).Inc()
		}
	}
}
