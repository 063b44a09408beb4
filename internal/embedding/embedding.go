// Package embedding implements spec.md §4.2's Embedding Backend Selector: a
// single embed/embed_batch interface resolved once at startup over an
// accelerated/HTTP/hash-fallback preference list, grounded on
// cmd/embedctl's request/response shape in the intelligencedev-manifold
// example and original_source/api/chat_enhancements.py's SimpleEmbedding
// hash fallback.
package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
)

const (
	vectorDim     = 384
	probeTimeout  = 500 * time.Millisecond
	requestTimeout = 10 * time.Second
)

// Backend mirrors config.EmbeddingBackend but excludes the auto value —
// Selector resolves auto into one concrete variant at New().
type Backend string

const (
	BackendAccelerated Backend = "accelerated"
	BackendHTTP        Backend = "http"
	BackendHash        Backend = "hash"
)

// Selector is the resolved-once embedding backend of §4.2.
type Selector interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	ActiveBackend() Backend
}

// AcceleratedProbe reports whether an in-process accelerated embedding
// library is present and healthy. No such library is vendored in this
// environment (none of the example repos embed a GPU/NPU inference
// library directly — the closest analog, intelligencedev-manifold, calls
// out to an HTTP embeddings endpoint, not an in-process accelerator), so
// this always reports unavailable and the selector falls through to HTTP
// or hash. The hook exists so the fallthrough order is real, not
// hardcoded, matching §4.2's "first choice if available and healthy".
type AcceleratedProbe func() (Selector, bool)

type selector struct {
	log         *logger.Logger
	active      Backend
	accelerated Selector
	httpBackend *httpBackend
	hashBackend *hashBackend
}

// New resolves the backend preference order once, honoring cfg's override.
func New(cfg config.Config, log *logger.Logger, probe AcceleratedProbe) Selector {
	sLog := log.With("component", "embedding.Selector")
	hash := newHashBackend(cfg.JWTSecretKey)
	httpB := newHTTPBackend(cfg.InferenceBaseURL, sLog)

	var accelerated Selector
	if probe != nil {
		if s, ok := probe(); ok {
			accelerated = s
		}
	}

	s := &selector{log: sLog, accelerated: accelerated, httpBackend: httpB, hashBackend: hash}

	switch cfg.EmbeddingBackend {
	case config.EmbeddingBackendAccelerated:
		if accelerated != nil {
			s.active = BackendAccelerated
		} else {
			sLog.Warn("EMBEDDING_BACKEND=accelerated requested but unavailable, falling back to hash")
			s.active = BackendHash
		}
	case config.EmbeddingBackendHTTP:
		s.active = BackendHTTP
	case config.EmbeddingBackendHash:
		s.active = BackendHash
	default:
		s.active = s.resolveAuto(httpB, accelerated)
	}

	sLog.Info("embedding backend resolved", "backend", s.active)
	return s
}

func (s *selector) resolveAuto(httpB *httpBackend, accelerated Selector) Backend {
	if accelerated != nil {
		return BackendAccelerated
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	if httpB.probe(ctx) {
		return BackendHTTP
	}
	return BackendHash
}

func (s *selector) ActiveBackend() Backend {
	return s.active
}

func (s *selector) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedVia(ctx, s.active, text)
	if err != nil {
		s.log.Warn("embedding backend call failed, degrading to hash for this call", "backend", s.active, "err", err)
		return s.hashBackend.Embed(ctx, text)
	}
	return vec, nil
}

func (s *selector) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *selector) embedVia(ctx context.Context, backend Backend, text string) ([]float32, error) {
	switch backend {
	case BackendAccelerated:
		if s.accelerated == nil {
			return nil, apierr.Embedding("embedding.no_accelerated", "accelerated backend not initialized", nil)
		}
		return s.accelerated.Embed(ctx, text)
	case BackendHTTP:
		return s.httpBackend.Embed(ctx, text)
	default:
		return s.hashBackend.Embed(ctx, text)
	}
}

// httpBackend calls a loopback embedding endpoint, request/response shape
// grounded on cmd/embedctl/main.go.
type httpBackend struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

func newHTTPBackend(baseURL string, log *logger.Logger) *httpBackend {
	return &httpBackend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log.With("backend", "http"),
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (b *httpBackend) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2
}

func (b *httpBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Input: []string{text}})
	if err != nil {
		return nil, apierr.Embedding("embedding.http.marshal", "failed to encode embedding request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/embeddings", bytes.NewReader(reqBody))
	if err != nil {
		return nil, apierr.Embedding("embedding.http.request", "failed to build embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, apierr.Embedding("embedding.http.call", "embedding HTTP backend unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, apierr.Embedding("embedding.http.status", fmt.Sprintf("embedding backend returned %s", resp.Status), nil)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, apierr.Embedding("embedding.http.decode", "failed to decode embedding response", err)
	}
	if len(er.Data) == 0 {
		return nil, apierr.Embedding("embedding.http.empty", "embedding backend returned no data", nil)
	}
	return l2Normalize(er.Data[0].Embedding), nil
}

// hashBackend is the deterministic, always-available fallback: a unit-norm
// vector derived from a salted SHA-256 hash of the text, of fixed
// dimensionality, grounded on original_source's SimpleEmbedding hash
// scheme referenced from chat_memory.py's semantic search path.
type hashBackend struct {
	salt string
}

func newHashBackend(salt string) *hashBackend {
	return &hashBackend{salt: salt}
}

func (b *hashBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, vectorDim)
	seed := []byte(b.salt + "|" + text)
	block := 0
	for i := 0; i < vectorDim; i++ {
		if i%32 == 0 {
			sum := sha256.Sum256(append(seed, byte(block)))
			seed = sum[:]
			block++
		}
		byteVal := seed[i%32]
		vec[i] = float32(byteVal)/127.5 - 1.0
	}
	return l2Normalize(vec), nil
}

func l2Normalize(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
