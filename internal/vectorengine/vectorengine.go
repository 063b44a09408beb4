// Package vectorengine implements spec.md §4.4's Vectorization Engine
// (Context Engine): a bounded worker pool that asynchronously vectorizes
// free-form context snapshots and serves approximate-nearest-neighbour
// queries over the in-memory result. Queue/worker shape grounded on
// scalytics-KafClaw's internal/memory/auto_indexer.go (buffered channel,
// non-blocking enqueue, drop-on-full, ticker-independent drain loop).
package vectorengine

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/logger"
)

// ContextVector is deliberately not a persisted type (§3 marks it
// in-memory/volatile) — it lives only inside Engine's parallel maps.
type ContextVector struct {
	SessionID uuid.UUID
	Vector    []float32
	Metadata  map[string]interface{}
	StoredAt  time.Time
}

// job is one unit of work on the bounded FIFO queue; a nil job is the
// shutdown sentinel.
type job struct {
	sessionID  uuid.UUID
	text       string
	metadata   map[string]interface{}
	enqueuedAt time.Time
}

// SimilarResult is one hit from SearchSimilar.
type SimilarResult struct {
	SessionID  uuid.UUID
	Similarity float64
	Metadata   map[string]interface{}
}

// Stats mirrors §4.4's Stats() shape.
type Stats struct {
	SessionsStored int
	Processed      int64
	Errors         int64
	QueueSize      int
	Workers        int
	RetentionDays  int
}

// Engine is the Vectorization Engine contract of §4.4.
type Engine interface {
	Preserve(sessionID uuid.UUID, contextDict map[string]interface{}, metadata map[string]interface{})
	SearchSimilar(ctx context.Context, queryText string, topK int, threshold float64) ([]SimilarResult, error)
	Stats() Stats
	PruneOlderThan(days int) int
	Shutdown(timeout time.Duration)
}

type engine struct {
	log      *logger.Logger
	selector embedding.Selector
	workers  int
	queue    chan *job
	retentionDays int

	mu        sync.Mutex
	vectors   map[uuid.UUID][]float32
	storedAt  map[uuid.UUID]time.Time
	metadata  map[uuid.UUID]map[string]interface{}

	processed atomicCounter
	errors    atomicCounter

	wg sync.WaitGroup
}

type atomicCounter struct {
	mu    sync.Mutex
	value int64
}

func (c *atomicCounter) add(n int64) {
	c.mu.Lock()
	c.value += n
	c.mu.Unlock()
}

func (c *atomicCounter) get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// New starts a fixed pool of workers (default 2, configurable) pulling
// from a bounded FIFO queue of depth queueSize.
func New(log *logger.Logger, selector embedding.Selector, workers, queueSize, retentionDays int) Engine {
	if workers < 1 {
		workers = 2
	}
	if queueSize < 1 {
		queueSize = 256
	}
	if retentionDays < 1 {
		retentionDays = 30
	}

	e := &engine{
		log:           log.With("component", "vectorengine.Engine"),
		selector:      selector,
		workers:       workers,
		queue:         make(chan *job, queueSize),
		retentionDays: retentionDays,
		vectors:       make(map[uuid.UUID][]float32),
		storedAt:      make(map[uuid.UUID]time.Time),
		metadata:      make(map[uuid.UUID]map[string]interface{}),
	}

	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.runWorker(i)
	}
	return e
}

// Preserve serializes contextDict to canonical text (sorted keys, UTF-8)
// and enqueues it; submission is non-blocking and drops on a full queue,
// per §4.4.
func (e *engine) Preserve(sessionID uuid.UUID, contextDict map[string]interface{}, metadata map[string]interface{}) {
	text := canonicalize(contextDict)
	j := &job{sessionID: sessionID, text: text, metadata: metadata, enqueuedAt: time.Now().UTC()}
	select {
	case e.queue <- j:
	default:
		e.log.Warn("vectorengine queue full, dropping context snapshot", "session_id", sessionID)
	}
}

// canonicalize produces a deterministic text form of contextDict by
// sorting keys and joining "key=value" pairs — the fixed serialization
// §4.4 requires so identical context dicts always embed to the same text.
func canonicalize(contextDict map[string]interface{}) string {
	keys := make([]string, 0, len(contextDict))
	for k := range contextDict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteString("\n")
		}
		encoded, err := json.Marshal(contextDict[k])
		if err != nil {
			encoded = []byte("null")
		}
		b.WriteString(k)
		b.WriteString("=")
		b.Write(encoded)
	}
	return b.String()
}

func (e *engine) runWorker(id int) {
	defer e.wg.Done()
	workerLog := e.log.With("worker", id)
	for j := range e.queue {
		if j == nil {
			return
		}
		e.process(workerLog, j)
	}
}

func (e *engine) process(workerLog *logger.Logger, j *job) {
	vec, err := e.selector.Embed(context.Background(), j.text)
	if err != nil {
		e.errors.add(1)
		workerLog.Warn("vectorengine embed failed, no partial state stored", "session_id", j.sessionID, "err", err)
		return
	}

	e.mu.Lock()
	e.vectors[j.sessionID] = vec
	e.storedAt[j.sessionID] = time.Now().UTC()
	e.metadata[j.sessionID] = j.metadata
	e.mu.Unlock()

	e.processed.add(1)

	// age-based prune after every successful job, per §4.4.
	e.pruneLocked()
}

func (e *engine) pruneLocked() {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.retentionDays)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.storedAt {
		if t.Before(cutoff) {
			delete(e.vectors, id)
			delete(e.storedAt, id)
			delete(e.metadata, id)
		}
	}
}

func (e *engine) SearchSimilar(ctx context.Context, queryText string, topK int, threshold float64) ([]SimilarResult, error) {
	queryVec, err := e.selector.Embed(ctx, queryText)
	if err != nil {
		return nil, err
	}

	type scored struct {
		result     SimilarResult
		similarity float64
	}

	e.mu.Lock()
	candidates := make([]scored, 0, len(e.vectors))
	for sessionID, vec := range e.vectors {
		similarity := dotProduct(queryVec, vec)
		if similarity < threshold {
			continue
		}
		candidates = append(candidates, scored{
			result: SimilarResult{
				SessionID:  sessionID,
				Similarity: similarity,
				Metadata:   e.metadata[sessionID],
			},
			similarity: similarity,
		})
	}
	e.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].similarity > candidates[j].similarity
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]SimilarResult, len(candidates))
	for i, c := range candidates {
		results[i] = c.result
	}
	return results, nil
}

func (e *engine) Stats() Stats {
	e.mu.Lock()
	sessionsStored := len(e.vectors)
	e.mu.Unlock()
	return Stats{
		SessionsStored: sessionsStored,
		Processed:      e.processed.get(),
		Errors:         e.errors.get(),
		QueueSize:      len(e.queue),
		Workers:        e.workers,
		RetentionDays:  e.retentionDays,
	}
}

func (e *engine) PruneOlderThan(days int) int {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	e.mu.Lock()
	defer e.mu.Unlock()
	deleted := 0
	for id, t := range e.storedAt {
		if t.Before(cutoff) {
			delete(e.vectors, id)
			delete(e.storedAt, id)
			delete(e.metadata, id)
			deleted++
		}
	}
	return deleted
}

// Shutdown emits W sentinel (nil) jobs so every worker observes exactly
// one and exits cleanly even if the queue is otherwise non-empty, then
// joins with the timeout via an errgroup-guarded wait, grounded on the
// teacher's errgroup usage pattern.
func (e *engine) Shutdown(timeout time.Duration) {
	for i := 0; i < e.workers; i++ {
		e.queue <- nil
	}

	done := make(chan struct{})
	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		e.wg.Wait()
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(timeout):
		e.log.Warn("vectorengine shutdown timed out waiting for workers")
	}
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
