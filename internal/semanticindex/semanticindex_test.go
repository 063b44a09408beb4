package semanticindex_test

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/semanticindex"
	"github.com/nullspire/opencircle/internal/types"
)

// fixedSelector returns the same vector for every query and counts how
// many times Embed was actually invoked, so a test can tell a cache hit
// from a fresh scan-and-score pass.
type fixedSelector struct {
	vec   []float32
	calls int32
}

func (s *fixedSelector) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.vec, nil
}
func (s *fixedSelector) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}
func (s *fixedSelector) ActiveBackend() embedding.Backend { return embedding.BackendHash }

func newTestIndex(t *testing.T, selector embedding.Selector) (semanticindex.Index, memory.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.ChatSession{}, &types.ChatMessage{}, &types.ConversationSummary{},
		&types.DocumentChunk{}, &types.MessageEmbedding{},
	); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	mem := memory.NewStore(
		db, log,
		repos.NewChatSessionRepo(db, log),
		repos.NewChatMessageRepo(db, log),
		repos.NewConversationSummaryRepo(db, log),
		repos.NewDocumentChunkRepo(db, log),
		repos.NewMessageEmbeddingRepo(db, log),
	)
	idx := semanticindex.New(log, selector, mem, repos.NewMessageEmbeddingRepo(db, log), repos.NewDocumentChunkRepo(db, log), "", 0)
	return idx, mem
}

func seedMessage(t *testing.T, mem memory.Store, idx semanticindex.Index, ownerID uuid.UUID, content string, vec []float32) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	session, err := mem.CreateSession(ctx, ownerID, nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := mem.AppendMessage(ctx, session.ID, memory.Event{Role: types.RoleUser, Content: content})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := mem.StoreMessageEmbedding(ctx, msg.ID, session.ID, vec); err != nil {
		t.Fatalf("StoreMessageEmbedding: %v", err)
	}
	return msg.ID
}

// TestSearch_CachesIdenticalSuccessiveQueries covers §8 Scenario E's
// first half: two identical calls return byte-equal results and only
// embed the query once.
func TestSearch_CachesIdenticalSuccessiveQueries(t *testing.T) {
	selector := &fixedSelector{vec: []float32{1, 0, 0}}
	idx, mem := newTestIndex(t, selector)
	owner := uuid.New()
	seedMessage(t, mem, idx, owner, "database optimization tips", []float32{1, 0, 0})

	ctx := context.Background()
	first, err := idx.Search(ctx, "database optimization", 5, owner, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	second, err := idx.Search(ctx, "database optimization", 5, owner, nil)
	if err != nil {
		t.Fatalf("Search (cached): %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected byte-equal results across identical successive calls, got %+v vs %+v", first, second)
	}
	if calls := atomic.LoadInt32(&selector.calls); calls != 1 {
		t.Fatalf("expected the query to be embedded exactly once (cache hit on the second call), got %d embed calls", calls)
	}
}

// TestSearch_TiesBrokenByRecency covers the tie-break rule in search's
// sort comparator: equal-similarity hits order by most-recent-first.
func TestSearch_TiesBrokenByRecency(t *testing.T) {
	selector := &fixedSelector{vec: []float32{1, 0, 0}}
	idx, mem := newTestIndex(t, selector)
	owner := uuid.New()

	older := seedMessage(t, mem, idx, owner, "first message about caches", []float32{1, 0, 0})
	newer := seedMessage(t, mem, idx, owner, "second message about caches", []float32{1, 0, 0})

	hits, err := idx.Search(context.Background(), "caches", 5, owner, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 tied hits, got %d", len(hits))
	}
	if hits[0].Similarity != hits[1].Similarity {
		t.Fatalf("expected both hits to carry the same similarity score, got %v and %v", hits[0].Similarity, hits[1].Similarity)
	}
	if hits[0].MessageID != newer || hits[1].MessageID != older {
		t.Fatalf("expected the more recent message (%s) first, got order %s, %s", newer, hits[0].MessageID, hits[1].MessageID)
	}
}

// TestSearch_FiltersBelowThreshold confirms a hit scoring under the
// similarity threshold never reaches the result set.
func TestSearch_FiltersBelowThreshold(t *testing.T) {
	selector := &fixedSelector{vec: []float32{1, 0, 0}}
	idx, mem := newTestIndex(t, selector)
	owner := uuid.New()
	seedMessage(t, mem, idx, owner, "unrelated content about gardening", []float32{0, 1, 0})

	threshold := 0.5
	hits, err := idx.Search(context.Background(), "database optimization", 5, owner, &threshold)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits below the similarity threshold, got %d", len(hits))
	}
}

// TestSearch_ScopesResultsToOwner confirms one user's search never
// surfaces another user's messages.
func TestSearch_ScopesResultsToOwner(t *testing.T) {
	selector := &fixedSelector{vec: []float32{1, 0, 0}}
	idx, mem := newTestIndex(t, selector)
	owner := uuid.New()
	other := uuid.New()
	seedMessage(t, mem, idx, other, "someone else's message", []float32{1, 0, 0})

	hits, err := idx.Search(context.Background(), "message", 5, owner, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits for an owner with no messages of their own, got %d", len(hits))
	}
}
