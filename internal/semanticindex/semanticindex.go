// Package semanticindex implements spec.md §4.3: content-addressed and
// query-by-text retrieval over persisted messages and chunks, backed by a
// time-bounded result cache and a singleflight-deduped embed-on-miss path.
package semanticindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/repos"
)

const (
	candidateWindow            = 200
	defaultSimilarityThreshold = 0.3
	defaultCacheTTL            = 60 * time.Second
	embeddableContentFloor     = 10 // codepoints
)

// Hit is one message search result, per §4.3.
type Hit struct {
	SessionID      uuid.UUID `json:"session_id"`
	MessageID      uuid.UUID `json:"message_id"`
	ContentExcerpt string    `json:"content_excerpt"`
	Similarity     float64   `json:"similarity"`
}

// ChunkHit is one document-chunk search result, per §4.3.
type ChunkHit struct {
	ChunkID    uuid.UUID `json:"chunk_id"`
	FileID     string    `json:"file_id"`
	Filename   string    `json:"filename"`
	ChunkIndex int       `json:"chunk_index"`
	Content    string    `json:"content"`
	Similarity float64   `json:"similarity"`
}

// Index is the Semantic Index contract of §4.3.
type Index interface {
	Search(ctx context.Context, queryText string, limit int, ownerUserID uuid.UUID, similarityThreshold *float64) ([]Hit, error)
	SearchChunks(ctx context.Context, sessionID uuid.UUID, queryVector []float32, topK int) ([]ChunkHit, error)
	StoreMessageEmbedding(ctx context.Context, messageID, sessionID uuid.UUID, content string) error
}

type index struct {
	log        *logger.Logger
	selector   embedding.Selector
	mem        memory.Store
	embeddings repos.MessageEmbeddingRepo
	chunks     repos.DocumentChunkRepo
	cache      resultCache
	cacheTTL   time.Duration
	group      singleflight.Group
}

// New resolves the result cache (redis when redisAddr is set, in-process
// otherwise) and wires the embed-on-miss path through selector.
func New(
	log *logger.Logger,
	selector embedding.Selector,
	mem memory.Store,
	embeddings repos.MessageEmbeddingRepo,
	chunks repos.DocumentChunkRepo,
	redisAddr string,
	cacheTTLSeconds int,
) Index {
	sLog := log.With("component", "semanticindex.Index")

	var cache resultCache
	if redisAddr != "" {
		rc, err := newRedisCache(redisAddr, sLog)
		if err != nil {
			sLog.Warn("redis cache unavailable, falling back to in-process cache", "err", err)
			cache = newInProcessCache()
		} else {
			cache = rc
		}
	} else {
		cache = newInProcessCache()
	}

	ttl := defaultCacheTTL
	if cacheTTLSeconds > 0 {
		ttl = time.Duration(cacheTTLSeconds) * time.Second
	}

	return &index{
		log:        sLog,
		selector:   selector,
		mem:        mem,
		embeddings: embeddings,
		chunks:     chunks,
		cache:      cache,
		cacheTTL:   ttl,
	}
}

// Search implements §4.3's five-step algorithm. The cache fingerprint
// folds in ownerUserID as the user_scope — two users never share a cache
// entry even for byte-identical queries.
func (idx *index) Search(ctx context.Context, queryText string, limit int, ownerUserID uuid.UUID, similarityThreshold *float64) ([]Hit, error) {
	threshold := defaultSimilarityThreshold
	if similarityThreshold != nil {
		threshold = *similarityThreshold
	}
	fingerprint := cacheFingerprint(queryText, ownerUserID.String(), limit, threshold)

	if cached, ok := idx.cache.Get(ctx, fingerprint); ok {
		var hits []Hit
		if err := json.Unmarshal([]byte(cached), &hits); err == nil {
			return hits, nil
		}
	}

	// singleflight collapses concurrent cache misses for the same
	// fingerprint into one embed+scan pass.
	raw, err, _ := idx.group.Do(fingerprint, func() (interface{}, error) {
		hits, err := idx.search(ctx, queryText, limit, ownerUserID, threshold)
		if err != nil {
			return nil, err
		}
		encoded, marshalErr := json.Marshal(hits)
		if marshalErr == nil {
			idx.cache.Set(ctx, fingerprint, string(encoded), idx.cacheTTL)
		}
		return hits, nil
	})
	if err != nil {
		return nil, err
	}
	return raw.([]Hit), nil
}

func (idx *index) search(ctx context.Context, queryText string, limit int, ownerUserID uuid.UUID, threshold float64) ([]Hit, error) {
	queryVec, err := idx.selector.Embed(ctx, queryText)
	if err != nil {
		return nil, apierr.Embedding("semanticindex.embed_query", "failed to embed search query", err)
	}

	candidates, err := idx.embeddings.ListRecentCandidatesForOwner(ctx, nil, ownerUserID, candidateWindow)
	if err != nil {
		return nil, apierr.Store("semanticindex.load_candidates", "failed to load search candidates", err)
	}

	type scored struct {
		hit        Hit
		similarity float64
		timestamp  time.Time
	}
	var scoredHits []scored

	for _, c := range candidates {
		var vec []float32
		if err := json.Unmarshal(c.Vector, &vec); err != nil {
			continue
		}
		similarity := dotProduct(queryVec, vec)
		if similarity < threshold {
			continue
		}
		excerpt := c.Content
		if len(excerpt) > 200 {
			excerpt = excerpt[:200]
		}
		scoredHits = append(scoredHits, scored{
			hit: Hit{
				SessionID:      c.SessionID,
				MessageID:      c.MessageID,
				ContentExcerpt: excerpt,
				Similarity:     similarity,
			},
			similarity: similarity,
			timestamp:  c.Timestamp,
		})
	}

	sort.Slice(scoredHits, func(i, j int) bool {
		if scoredHits[i].similarity != scoredHits[j].similarity {
			return scoredHits[i].similarity > scoredHits[j].similarity
		}
		return scoredHits[i].timestamp.After(scoredHits[j].timestamp)
	})

	if limit > 0 && len(scoredHits) > limit {
		scoredHits = scoredHits[:limit]
	}

	hits := make([]Hit, len(scoredHits))
	for i, s := range scoredHits {
		hits[i] = s.hit
	}
	return hits, nil
}

// SearchChunks operates over a single session's DocumentChunks; the
// caller supplies the query vector directly (no embedding call here),
// per §4.3's chunk-search contract.
func (idx *index) SearchChunks(ctx context.Context, sessionID uuid.UUID, queryVector []float32, topK int) ([]ChunkHit, error) {
	chunks, err := idx.chunks.ListBySession(ctx, nil, sessionID)
	if err != nil {
		return nil, apierr.Store("semanticindex.load_chunks", "failed to load document chunks", err)
	}

	type scored struct {
		hit        ChunkHit
		similarity float64
	}
	var scoredHits []scored
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		var vec []float32
		if err := json.Unmarshal(c.Embedding, &vec); err != nil {
			continue
		}
		similarity := dotProduct(queryVector, vec)
		scoredHits = append(scoredHits, scored{
			hit: ChunkHit{
				ChunkID:    c.ID,
				FileID:     c.FileID,
				Filename:   c.Filename,
				ChunkIndex: c.ChunkIndex,
				Content:    c.Content,
				Similarity: similarity,
			},
			similarity: similarity,
		})
	}

	sort.Slice(scoredHits, func(i, j int) bool {
		return scoredHits[i].similarity > scoredHits[j].similarity
	})
	if topK > 0 && len(scoredHits) > topK {
		scoredHits = scoredHits[:topK]
	}

	hits := make([]ChunkHit, len(scoredHits))
	for i, s := range scoredHits {
		hits[i] = s.hit
	}
	return hits, nil
}

// StoreMessageEmbedding delegates to the Memory Store but only if content
// meets the length floor, per §4.3's "only if len(content) >= 10
// codepoints" rule.
func (idx *index) StoreMessageEmbedding(ctx context.Context, messageID, sessionID uuid.UUID, content string) error {
	if len([]rune(content)) < embeddableContentFloor {
		return nil
	}
	vec, err := idx.selector.Embed(ctx, content)
	if err != nil {
		return apierr.Embedding("semanticindex.embed_message", "failed to embed message for indexing", err)
	}
	return idx.mem.StoreMessageEmbedding(ctx, messageID, sessionID, vec)
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

func cacheFingerprint(queryText, scope string, limit int, threshold float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%.4f", queryText, scope, limit, threshold)))
	return "semanticindex:" + hex.EncodeToString(sum[:])
}
