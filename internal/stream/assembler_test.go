package stream

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu     sync.Mutex
	chunks []Chunk
	done   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{done: make(chan struct{}, 64)}
}

func (f *fakeSink) Send(_ context.Context, c Chunk) error {
	f.mu.Lock()
	f.chunks = append(f.chunks, c)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func (f *fakeSink) waitN(t *testing.T, n int) []Chunk {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for chunk %d/%d", i+1, n)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Chunk, len(f.chunks))
	copy(out, f.chunks)
	return out
}

func TestAssemblerFlushesOnSentenceBoundary(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1, MaxChunk: 500, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "Hello world. ", false)
	a.Feed(context.Background(), "c1", 1, "More to come.", true)

	chunks := sink.waitN(t, 2)
	if chunks[0].Text != "Hello world." {
		t.Errorf("chunk 0 = %q", chunks[0].Text)
	}
	if chunks[1].Text != " More to come." {
		t.Errorf("chunk 1 = %q", chunks[1].Text)
	}
	if !chunks[1].IsLast {
		t.Error("last chunk should be marked IsLast")
	}
}

// TestAssemblerScenarioBStreamingBoundaryFlush reproduces spec scenario
// B literally: ten deltas totaling "Hello there. How are you today? I
// am well." split across sentence boundaries into exactly three
// tts.say chunks, each carrying the same correlation id.
func TestAssemblerScenarioBStreamingBoundaryFlush(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 5, MaxChunk: 500, BoundaryAware: true}, sink, nil, nil)

	deltas := []string{"Hel", "lo ", "there", ". How ", "are you", " today", "? I a", "m wel", "l", "."}
	ctx := context.Background()
	for i, d := range deltas {
		a.Feed(ctx, "c1", i, d, i == len(deltas)-1)
	}

	chunks := sink.waitN(t, 3)
	want := []string{"Hello there.", " How are you today?", " I am well."}
	for i, w := range want {
		if chunks[i].Text != w {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i].Text, w)
		}
		if chunks[i].Correlate != "c1" {
			t.Errorf("chunk %d correlate = %q, want c1", i, chunks[i].Correlate)
		}
	}
	if !chunks[2].IsLast {
		t.Error("final chunk should be marked IsLast")
	}
}

func TestAssemblerForcesFlushAtMaxChunk(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1000, MaxChunk: 10, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "this is definitely more than ten bytes", false)
	chunks := sink.waitN(t, 1)
	if len(chunks[0].Text) != 10 {
		t.Errorf("forced chunk length = %d, want 10", len(chunks[0].Text))
	}
}

func TestAssemblerReordersOutOfOrderDeltas(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1, MaxChunk: 500, BoundaryAware: true, ReorderWindow: 4}, sink, nil, nil)

	ctx := context.Background()
	a.Feed(ctx, "c1", 1, "World. ", false)
	a.Feed(ctx, "c1", 0, "Hello ", false)
	a.Feed(ctx, "c1", 2, "Done.", true)

	chunks := sink.waitN(t, 2)
	if chunks[0].Text != "Hello World." {
		t.Errorf("reordered chunk = %q, want %q", chunks[0].Text, "Hello World.")
	}
}

func TestAssemblerCloseForceFlushesRemainder(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1000, MaxChunk: 1000, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "partial without terminator", false)
	a.Close(context.Background(), "c1")

	chunks := sink.waitN(t, 1)
	if chunks[0].Text != "partial without terminator" {
		t.Errorf("final chunk = %q", chunks[0].Text)
	}
	if !chunks[0].IsLast {
		t.Error("Close should mark the flushed remainder as last")
	}
}

func TestAssemblerDropsOnQueueOverflow(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	a := New(Config{MinChunk: 1, MaxChunk: 1, BoundaryAware: false, QueueMax: 1, Overflow: OverflowDrop}, sink, nil, nil)

	for i := 0; i < 5; i++ {
		a.Feed(context.Background(), "c1", i, "x", false)
	}
	close(sink.release)
}

func TestAssemblerCancelClearsStreamAndReportsOnce(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1000, MaxChunk: 1000, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "will be discarded", false)

	if !a.Cancel("c1") {
		t.Fatal("first Cancel for an active correlation should report true")
	}
	if a.Cancel("c1") {
		t.Fatal("second Cancel for the same correlation should report false")
	}
}

// TestAssemblerIgnoresDeltasForCancelledCorrelation covers spec
// invariant 4 ("after llm.cancel{correlate=c}, no further
// tts.say{correlate=c} is published") and scenario D: a straggler
// delta arriving after cancellation must not start a fresh stream.
func TestAssemblerIgnoresDeltasForCancelledCorrelation(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1, MaxChunk: 1000, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "will be discarded", false)
	if !a.Cancel("c1") {
		t.Fatal("first Cancel for an active correlation should report true")
	}

	a.Feed(context.Background(), "c1", 1, "straggler delta.", true)

	// Feed a second, unrelated correlation so we have a positive signal
	// that the assembler is still alive and would publish if asked to.
	a.Feed(context.Background(), "c2", 0, "unrelated.", true)

	chunks := sink.waitN(t, 1)
	if chunks[0].Correlate != "c2" {
		t.Fatalf("expected only c2's chunk to publish, got correlate=%q text=%q", chunks[0].Correlate, chunks[0].Text)
	}
}

type blockingSink struct {
	release chan struct{}
}

func (b *blockingSink) Send(ctx context.Context, c Chunk) error {
	<-b.release
	return nil
}

// gatedSink blocks the first Send until release is closed, so a test
// can queue a second chunk behind it before the publisher goroutine
// drains further, then assert cancellation discards that second chunk
// instead of publishing it once the first Send unblocks.
type gatedSink struct {
	release chan struct{}
	first   chan struct{}

	mu     sync.Mutex
	chunks []Chunk
}

func newGatedSink() *gatedSink {
	return &gatedSink{release: make(chan struct{}), first: make(chan struct{})}
}

func (g *gatedSink) Send(_ context.Context, c Chunk) error {
	g.mu.Lock()
	g.chunks = append(g.chunks, c)
	first := len(g.chunks) == 1
	g.mu.Unlock()
	if first {
		close(g.first)
		<-g.release
	}
	return nil
}

func (g *gatedSink) snapshot() []Chunk {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Chunk, len(g.chunks))
	copy(out, g.chunks)
	return out
}

func TestAssemblerCancelDropsAlreadyQueuedChunks(t *testing.T) {
	sink := newGatedSink()
	a := New(Config{MinChunk: 1, MaxChunk: 1000, BoundaryAware: true, QueueMax: 4}, sink, nil, nil)

	ctx := context.Background()
	a.Feed(ctx, "c1", 0, "first chunk. ", false)
	<-sink.first // first chunk is now blocked inside Send

	// Queued behind the blocked Send: this chunk must never be published.
	a.Feed(ctx, "c1", 1, "second chunk. ", false)

	if !a.Cancel("c1") {
		t.Fatal("Cancel should report true for an active correlation")
	}

	close(sink.release)
	time.Sleep(50 * time.Millisecond)

	chunks := sink.snapshot()
	if len(chunks) != 1 {
		t.Fatalf("expected only the already in-flight chunk to publish, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Text != "first chunk. " {
		t.Errorf("published chunk = %q, want the in-flight one", chunks[0].Text)
	}
}

// TestAssemblerFlushesStalledPartialOnInterval covers the
// FlushInterval watchdog: a partial sentence that never reaches a
// boundary or MaxChunk must still reach the sink once it has sat
// unflushed longer than FlushInterval.
func TestAssemblerFlushesStalledPartialOnInterval(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1000, MaxChunk: 1000, BoundaryAware: true, FlushInterval: 20 * time.Millisecond}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "a sentence with no terminator", false)

	chunks := sink.waitN(t, 1)
	if chunks[0].Text != "a sentence with no terminator" {
		t.Errorf("stalled flush text = %q", chunks[0].Text)
	}
	if chunks[0].IsLast {
		t.Error("a stall-forced flush is not the final chunk")
	}
}

// TestAssemblerAssignsUtteranceIDPerChunk covers the utterance_id
// requirement: every flushed chunk carries a non-empty id, and
// distinct chunks get distinct ids.
func TestAssemblerAssignsUtteranceIDPerChunk(t *testing.T) {
	sink := newFakeSink()
	a := New(Config{MinChunk: 1, MaxChunk: 500, BoundaryAware: true}, sink, nil, nil)

	a.Feed(context.Background(), "c1", 0, "Hello world. ", false)
	a.Feed(context.Background(), "c1", 1, "More to come.", true)

	chunks := sink.waitN(t, 2)
	if chunks[0].UtteranceID == "" || chunks[1].UtteranceID == "" {
		t.Fatal("every flushed chunk must carry a non-empty utterance id")
	}
	if chunks[0].UtteranceID == chunks[1].UtteranceID {
		t.Error("distinct chunks should get distinct utterance ids")
	}
}
