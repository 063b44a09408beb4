package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
)

func newTestClient(t *testing.T, srv *httptest.Server) Client {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	cfg := config.Config{InferenceBaseURL: srv.URL, InferenceStreamTimeout: 2 * time.Second}
	return New(cfg, log)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tagsResponse{
			Models: []Model{{Name: "llama3", Size: 123}},
		})
	}))
	defer srv.Close()

	models, err := newTestClient(t, srv).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llama3" {
		t.Fatalf("unexpected models: %#v", models)
	}
}

func TestStreamChatAccumulatesDeltasAndStopsOnDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("response writer does not support flushing")
		}
		lines := []string{
			`{"message":{"content":"Hel"},"done":false}`,
			`{"message":{"content":"lo"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	var deltas []string
	full, err := newTestClient(t, srv).StreamChat(context.Background(), "llama3", []Message{{Role: "user", Content: "hi"}}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if full != "Hello" {
		t.Fatalf("expected accumulated %q, got %q", "Hello", full)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("expected deltas to join to %q, got %q", "Hello", deltas)
	}
}

func TestStreamChatSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}` + "\n"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).StreamChat(context.Background(), "missing-model", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatalf("expected an upstream stream error")
	}
}

func TestStreamChatCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		_, _ = w.Write([]byte(`{"message":{"content":"partial"},"done":false}` + "\n"))
		if flusher != nil {
			flusher.Flush()
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	onFirstDelta := func(delta string) error {
		cancel()
		return nil
	}

	_, err := newTestClient(t, srv).StreamChat(ctx, "llama3", []Message{{Role: "user", Content: "hi"}}, onFirstDelta)
	if err == nil {
		t.Fatalf("expected cancellation to surface an error")
	}
}
