// Package stream assembles llm.stream deltas, which may arrive
// out-of-order within a small reorder window, into sentence-bounded
// chunks suitable for tts.say, and publishes them through a bounded
// per-correlation FIFO so a slow or wedged TTS consumer cannot grow
// memory without bound.
package stream

import (
	"container/heap"
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tars-project/router-core/internal/envelope"
	"github.com/tars-project/router-core/internal/metrics"
)

// ErrStreamGap is the error logged when a delta arrives whose seq
// falls outside the reorder window and is too far ahead to buffer;
// the gap is skipped rather than stalling the stream forever.
var ErrStreamGap = fmt.Errorf("stream: seq gap exceeds reorder window")

// OverflowPolicy controls what happens when a correlation's outbound
// queue is full.
type OverflowPolicy string

const (
	OverflowDrop  OverflowPolicy = "drop"
	OverflowBlock OverflowPolicy = "block"
)

// Config controls flush sizing and queue behavior.
type Config struct {
	MinChunk      int // flush only once buffered text is at least this long (unless forced)
	MaxChunk      int // force a flush once buffered text reaches this length, mid-sentence if necessary
	BoundaryAware bool
	QueueMax      int
	Overflow      OverflowPolicy
	ReorderWindow int
	FlushInterval time.Duration // forced flush for a stalled partial sentence, 0 disables it
}

// Chunk is one unit of assembled text ready for tts.say.
type Chunk struct {
	Correlate   string
	Text        string
	Seq         int
	IsLast      bool
	UtteranceID string
}

// Sink receives assembled chunks. The supervisor implementation
// encodes each Chunk into a tts.say envelope and publishes it.
type Sink interface {
	Send(ctx context.Context, c Chunk) error
}

// tombstoneMax bounds how many cancelled correlation ids the Assembler
// remembers, so a long-running process never grows this set without
// bound. Correlation ids are practically never reused, so LRU eviction
// here is just a resource bound, not an expected-hit path.
const tombstoneMax = 4096

// Assembler owns one bounded FIFO and sentence scanner per active
// correlation id.
type Assembler struct {
	cfg     Config
	logger  *slog.Logger
	sink    Sink
	metrics *metrics.Metrics

	mu         sync.Mutex
	streams    map[string]*correlationStream
	tombstones map[string]*list.Element
	tombOrder  *list.List // front = most recently cancelled
}

// New constructs an Assembler. m may be nil, in which case flush/drop
// counters and gauges are simply not observed (tests construct
// Assemblers without a metrics instance this way).
func New(cfg Config, sink Sink, logger *slog.Logger, m *metrics.Metrics) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinChunk <= 0 {
		cfg.MinChunk = 20
	}
	if cfg.MaxChunk <= 0 {
		cfg.MaxChunk = 500
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 32
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDrop
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 8
	}
	return &Assembler{
		cfg:        cfg,
		logger:     logger,
		sink:       sink,
		metrics:    m,
		streams:    make(map[string]*correlationStream),
		tombstones: make(map[string]*list.Element),
		tombOrder:  list.New(),
	}
}

// Feed delivers one llm.stream delta for correlate. delta may arrive
// out of order relative to seq; final marks the terminal chunk of the
// stream, after which any buffered remainder is force-flushed. A
// correlate that was cancelled via Cancel/CancelAll stays dead: any
// further Feed for it is ignored rather than starting a fresh stream,
// per the "no further tts.say after llm.cancel" invariant.
func (a *Assembler) Feed(ctx context.Context, correlate string, seq int, delta string, final bool) {
	if a.isTombstoned(correlate) {
		a.logger.Debug("stream: delta for cancelled correlation ignored", "correlate", correlate)
		return
	}
	s := a.streamFor(correlate)
	s.feed(ctx, seq, delta, final)
}

func (a *Assembler) isTombstoned(correlate string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.tombstones[correlate]
	return ok
}

// markCancelled records correlate as dead so future Feed calls are
// ignored, evicting the oldest tombstone if the bound is exceeded.
func (a *Assembler) markCancelled(correlate string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if el, ok := a.tombstones[correlate]; ok {
		a.tombOrder.MoveToFront(el)
		return
	}
	el := a.tombOrder.PushFront(correlate)
	a.tombstones[correlate] = el
	for a.tombOrder.Len() > tombstoneMax {
		back := a.tombOrder.Back()
		if back == nil {
			break
		}
		a.tombOrder.Remove(back)
		delete(a.tombstones, back.Value.(string))
	}
}

// Close tears down a correlation's stream state, force-flushing any
// buffered remainder first. Safe to call even if the correlation was
// never fed (no-op).
func (a *Assembler) Close(ctx context.Context, correlate string) {
	a.mu.Lock()
	s, ok := a.streams[correlate]
	delete(a.streams, correlate)
	a.mu.Unlock()
	if !ok {
		return
	}
	s.forceFlush(ctx, true)
}

// Cancel discards the in-flight accumulator and clears the pending
// FIFO for correlate, as required on llm.cancel or a wake-interrupt.
// It reports true the first time it is called for a still-open
// correlation, so the caller can publish tts.control{stop} exactly
// once; subsequent calls (or calls for an unknown/already-closed
// correlation) report false.
func (a *Assembler) Cancel(correlate string) bool {
	a.markCancelled(correlate)
	a.mu.Lock()
	s, ok := a.streams[correlate]
	delete(a.streams, correlate)
	a.mu.Unlock()
	if !ok {
		return false
	}
	return s.cancel()
}

// CancelAll cancels every currently active correlation, used on
// supervisor shutdown so no stream publisher goroutine is left
// draining after the broker disconnects.
func (a *Assembler) CancelAll() {
	a.mu.Lock()
	streams := make([]*correlationStream, 0, len(a.streams))
	for k, s := range a.streams {
		streams = append(streams, s)
		delete(a.streams, k)
	}
	a.mu.Unlock()
	for _, s := range streams {
		s.cancel()
	}
	for _, s := range streams {
		a.markCancelled(s.correlate)
	}
}

func (a *Assembler) streamFor(correlate string) *correlationStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[correlate]
	if !ok {
		s = newCorrelationStream(correlate, a.cfg, a.sink, a.logger, a.metrics)
		a.streams[correlate] = s
	}
	return s
}

// seqItem orders buffered out-of-order deltas by seq for the reorder
// heap.
type seqItem struct {
	seq   int
	delta string
	final bool
}

type seqHeap []seqItem

func (h seqHeap) Len() int            { return len(h) }
func (h seqHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h seqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *seqHeap) Push(x interface{}) { *h = append(*h, x.(seqItem)) }
func (h *seqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// correlationStream holds one correlation's in-progress assembly
// state: the sentence-boundary buffer plus a small reorder window for
// deltas that arrive ahead of the next expected seq, and a bounded
// outbound queue feeding a publisher goroutine.
type correlationStream struct {
	correlate string
	cfg       Config
	sink      Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	buf       string
	nextSeq   int
	pending   seqHeap
	lastFlush time.Time
	closed    bool

	queue     chan Chunk
	qDone     chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	cancelled atomic.Bool
}

func newCorrelationStream(correlate string, cfg Config, sink Sink, logger *slog.Logger, m *metrics.Metrics) *correlationStream {
	s := &correlationStream{
		correlate: correlate,
		cfg:       cfg,
		sink:      sink,
		logger:    logger,
		metrics:   m,
		lastFlush: time.Now(),
		queue:     make(chan Chunk, cfg.QueueMax),
		qDone:     make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go s.drainQueue()
	if cfg.FlushInterval > 0 {
		go s.watchStall()
	}
	return s
}

// watchStall force-flushes a stalled, non-empty buffer once it has sat
// unflushed for longer than cfg.FlushInterval, so a sentence that
// never reaches a boundary or MaxChunk (the model stops streaming
// mid-clause) still reaches tts/say instead of waiting for final.
func (s *correlationStream) watchStall() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			stalled := !s.closed && s.buf != "" && time.Since(s.lastFlush) >= s.cfg.FlushInterval
			if stalled {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.logger.Debug("stream: forcing flush of stalled partial sentence", "correlate", s.correlate, "buffered", len(s.buf))
				s.emitLocked(ctx, s.buf, false)
				s.buf = ""
				cancel()
			}
			s.mu.Unlock()
		}
	}
}

// stopWatching signals watchStall to exit. Safe to call multiple
// times and from multiple goroutines.
func (s *correlationStream) stopWatching() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *correlationStream) drainQueue() {
	defer close(s.qDone)
	for c := range s.queue {
		if s.cancelled.Load() {
			// cancel() already closed the queue; discard whatever was
			// buffered ahead of the close so no chunk for a cancelled
			// correlation is ever published.
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.sink.Send(ctx, c); err != nil {
			s.logger.Warn("stream: publish chunk failed", "correlate", s.correlate, "error", err)
		}
		cancel()
	}
}

func (s *correlationStream) feed(ctx context.Context, seq int, delta string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if seq != s.nextSeq {
		gap := seq - s.nextSeq
		if gap < 0 || gap > s.cfg.ReorderWindow {
			s.logger.Warn("stream: seq outside reorder window, skipping gap", "correlate", s.correlate, "seq", seq, "expected", s.nextSeq, "error", ErrStreamGap)
			if gap > s.cfg.ReorderWindow {
				s.nextSeq = seq
			} else {
				return
			}
		} else {
			heap.Push(&s.pending, seqItem{seq: seq, delta: delta, final: final})
			return
		}
	}

	s.appendLocked(delta)
	s.nextSeq = seq + 1

	for len(s.pending) > 0 && s.pending[0].seq == s.nextSeq {
		item := heap.Pop(&s.pending).(seqItem)
		s.appendLocked(item.delta)
		s.nextSeq = item.seq + 1
		final = final || item.final
	}

	s.flushLocked(ctx, final)
}

func (s *correlationStream) appendLocked(delta string) {
	s.buf += delta
}

// flushLocked emits sentence-bounded chunks from the buffer. When
// final is true, any trailing remainder is flushed as the last chunk
// regardless of sentence completeness.
func (s *correlationStream) flushLocked(ctx context.Context, final bool) {
	for {
		if s.cfg.BoundaryAware {
			cut, ok := findSentenceBoundary(s.buf)
			if ok && cut >= s.cfg.MinChunk {
				s.emitLocked(ctx, s.buf[:cut], false)
				s.buf = s.buf[cut:]
				continue
			}
		}
		if len(s.buf) >= s.cfg.MaxChunk {
			s.emitLocked(ctx, s.buf[:s.cfg.MaxChunk], false)
			s.buf = s.buf[s.cfg.MaxChunk:]
			continue
		}
		break
	}

	if final {
		if s.buf != "" {
			s.emitLocked(ctx, s.buf, true)
			s.buf = ""
		} else {
			s.emitLocked(ctx, "", true)
		}
		s.closed = true
		close(s.queue)
		s.stopWatching()
	}
}

func (s *correlationStream) emitLocked(ctx context.Context, text string, isLast bool) {
	interval := time.Since(s.lastFlush)
	s.lastFlush = time.Now()
	chunk := Chunk{
		Correlate:   s.correlate,
		Text:        text,
		Seq:         s.nextSeq,
		IsLast:      isLast,
		UtteranceID: envelope.NewID(),
	}
	if s.metrics != nil {
		s.metrics.StreamFlushInterval.Observe(float64(interval) / float64(time.Millisecond))
	}
	switch s.cfg.Overflow {
	case OverflowBlock:
		select {
		case s.queue <- chunk:
			s.observeEnqueued()
		case <-ctx.Done():
			s.logger.Warn("stream: queue full until timeout, dropping chunk", "correlate", s.correlate)
			if s.metrics != nil {
				s.metrics.StreamChunksDrop.Inc()
			}
		}
	default:
		select {
		case s.queue <- chunk:
			s.observeEnqueued()
		default:
			s.logger.Warn("stream: queue full, dropping chunk", "correlate", s.correlate)
			if s.metrics != nil {
				s.metrics.StreamChunksDrop.Inc()
			}
		}
	}
}

// observeEnqueued records a successful chunk enqueue: the flush
// counter and the current queue depth gauge for this correlation.
func (s *correlationStream) observeEnqueued() {
	if s.metrics == nil {
		return
	}
	s.metrics.StreamChunksFlush.Inc()
	s.metrics.StreamQueueDepth.WithLabelValues(s.correlate).Set(float64(len(s.queue)))
}

// cancel discards the accumulator and pending reorder heap and closes
// the outbound queue without flushing, reporting whether this is the
// first cancellation for the stream.
func (s *correlationStream) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.buf = ""
	s.pending = nil
	s.closed = true
	s.cancelled.Store(true)
	close(s.queue)
	s.stopWatching()
	return true
}

// forceFlush emits whatever is buffered regardless of boundary or
// minimum size, marking it final if requested.
func (s *correlationStream) forceFlush(ctx context.Context, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.buf != "" || final {
		s.emitLocked(ctx, s.buf, final)
		s.buf = ""
	}
	if final {
		s.closed = true
		close(s.queue)
		s.stopWatching()
	}
}
