package vectorengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/logger"
)

// fakeSelector embeds deterministically off the exact text so tests can
// reason about similarity without a real backend.
type fakeSelector struct {
	embed func(text string) []float32
	err   error
}

func (f *fakeSelector) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.embed(text), nil
}

func (f *fakeSelector) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeSelector) ActiveBackend() embedding.Backend { return embedding.BackendHash }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func vecFor(tag string) []float32 {
	switch tag {
	case "a":
		return []float32{1, 0, 0}
	case "b":
		return []float32{0, 1, 0}
	default:
		return []float32{0, 0, 1}
	}
}

func TestPreserveAndSearchSimilar(t *testing.T) {
	sel := &fakeSelector{embed: func(text string) []float32 { return vecFor(text) }}
	e := New(testLogger(t), sel, 2, 16, 30)

	sessionA := uuid.New()
	e.Preserve(sessionA, map[string]interface{}{"topic": "a"}, map[string]interface{}{"label": "a"})

	waitForStats(t, e, func(s Stats) bool { return s.Processed >= 1 })

	results, err := e.SearchSimilar(context.Background(), `topic="a"`, 5, 0.5)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(results) != 1 || results[0].SessionID != sessionA {
		t.Fatalf("expected one hit for sessionA, got %#v", results)
	}

	e.Shutdown(time.Second)
}

func TestPreserveDropsOnFullQueue(t *testing.T) {
	block := make(chan struct{})
	sel := &fakeSelector{embed: func(text string) []float32 {
		<-block
		return vecFor(text)
	}}
	e := New(testLogger(t), sel, 1, 1, 30)

	// First Preserve occupies the single worker (blocked on <-block);
	// second fills the depth-1 queue; third must be dropped silently.
	session1 := uuid.New()
	session2 := uuid.New()
	session3 := uuid.New()
	e.Preserve(session1, map[string]interface{}{"k": "a"}, nil)
	time.Sleep(20 * time.Millisecond) // let the worker pick up session1
	e.Preserve(session2, map[string]interface{}{"k": "b"}, nil)
	e.Preserve(session3, map[string]interface{}{"k": "c"}, nil)

	close(block)
	waitForStats(t, e, func(s Stats) bool { return s.Processed+s.Errors >= 2 })

	stats := e.Stats()
	if stats.SessionsStored > 2 {
		t.Fatalf("expected at most 2 sessions stored after drop, got %d", stats.SessionsStored)
	}
	e.Shutdown(time.Second)
}

func TestPruneOlderThanRemovesStaleEntries(t *testing.T) {
	sel := &fakeSelector{embed: func(text string) []float32 { return vecFor(text) }}
	e := New(testLogger(t), sel, 1, 4, 30)

	session := uuid.New()
	e.Preserve(session, map[string]interface{}{"k": "a"}, nil)
	waitForStats(t, e, func(s Stats) bool { return s.Processed >= 1 })

	deleted := e.PruneOlderThan(0)
	if deleted != 1 {
		t.Fatalf("expected 1 deleted entry, got %d", deleted)
	}
	if stats := e.Stats(); stats.SessionsStored != 0 {
		t.Fatalf("expected 0 sessions stored after prune, got %d", stats.SessionsStored)
	}
	e.Shutdown(time.Second)
}

func TestShutdownDrainsQueueWithinTimeout(t *testing.T) {
	sel := &fakeSelector{embed: func(text string) []float32 { return vecFor(text) }}
	e := New(testLogger(t), sel, 2, 8, 30)

	for i := 0; i < 4; i++ {
		e.Preserve(uuid.New(), map[string]interface{}{"k": "a"}, nil)
	}
	e.Shutdown(2 * time.Second)
}

func waitForStats(t *testing.T, e Engine, ok func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ok(e.Stats()) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline, last stats: %#v", e.Stats())
}
