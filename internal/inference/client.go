// Package inference is the HTTP client for the upstream local inference
// server of spec.md §6.1: a loopback-only, non-OpenAI-compatible service
// exposing GET /api/tags and a newline-delimited-JSON streaming POST
// /api/chat. Grounded on the teacher's internal/inference/engine/oaihttp
// client (http.Client + custom Transport, doJSON helper, typed HTTPError)
// adapted from OpenAI's "data: "-prefixed SSE framing to §6.1's bare-NDJSON
// framing — the teacher's internal/inference/client/sse.go's line-based
// reader shape carries over, the per-line "data:" parsing does not.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
)

// Message is one chat turn in the shape §6.1's /api/chat expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Model is one entry of GET /api/tags's response.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// HTTPError carries a non-2xx upstream response, surfaced to callers as
// apierr.Upstream.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream inference: status %d: %s", e.StatusCode, e.Body)
}

// Client is the upstream inference protocol of §6.1.
type Client interface {
	// ListModels calls GET /api/tags.
	ListModels(ctx context.Context) ([]Model, error)
	// StreamChat calls POST /api/chat with stream:true and invokes onDelta
	// for every message.content increment as it arrives, in order. It
	// returns the concatenation of every delta once the upstream signals
	// done:true. Cancelling ctx aborts the in-flight request and returns
	// ctx.Err() without invoking onDelta again.
	StreamChat(ctx context.Context, model string, messages []Message, onDelta func(delta string) error) (string, error)
}

type client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	log     *logger.Logger
}

// New builds a Client over cfg's upstream base URL, with a per-stream
// timeout per §5 ("Upstream streaming calls carry a per-request timeout,
// default 300s").
func New(cfg config.Config, log *logger.Logger) Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	timeout := cfg.InferenceStreamTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &client{
		baseURL: strings.TrimRight(cfg.InferenceBaseURL, "/"),
		http:    &http.Client{Transport: transport},
		timeout: timeout,
		log:     log.With("component", "inference.Client"),
	}
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

func (c *client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, apierr.Upstream("inference.tags_request", "failed to build models request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Upstream("inference.tags_unreachable", "upstream inference server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, apierr.Upstream("inference.tags_status", "upstream returned an error for /api/tags", &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var out tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Upstream("inference.tags_decode", "failed to decode /api/tags response", err)
	}
	return out.Models, nil
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// chatStreamLine is one newline-delimited object from /api/chat's stream,
// per §6.1: "each object may carry message.content ... and a done boolean".
type chatStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (c *client) StreamChat(ctx context.Context, model string, messages []Message, onDelta func(delta string) error) (string, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(chatRequest{Model: model, Messages: messages, Stream: true}); err != nil {
		return "", apierr.Upstream("inference.chat_encode", "failed to encode chat request", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", &buf)
	if err != nil {
		return "", apierr.Upstream("inference.chat_request", "failed to build chat request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apierr.Upstream("inference.chat_unreachable", "upstream inference server unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return "", apierr.Upstream("inference.chat_status", "upstream returned an error for /api/chat", &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)})
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk chatStreamLine
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			c.log.Warn("skipping malformed inference stream line", "err", err)
			continue
		}
		if chunk.Error != "" {
			return full.String(), apierr.Upstream("inference.chat_stream_error", chunk.Error, nil)
		}
		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if onDelta != nil {
				if err := onDelta(chunk.Message.Content); err != nil {
					return full.String(), err
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), apierr.Upstream("inference.chat_stream_read", "failed reading chat stream", err)
	}
	return full.String(), nil
}
