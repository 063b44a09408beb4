package memory_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
)

func newTestStore(t *testing.T) memory.Store {
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
	return memory.NewStore(
		db, log,
		repos.NewChatSessionRepo(db, log),
		repos.NewChatMessageRepo(db, log),
		repos.NewConversationSummaryRepo(db, log),
		repos.NewDocumentChunkRepo(db, log),
		repos.NewMessageEmbeddingRepo(db, log),
	)
}

func TestAppendMessage_BumpsCountAndFoldsModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, uuid.New(), nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	model := "llama3"
	if _, err := store.AppendMessage(ctx, session.ID, memory.Event{Role: types.RoleUser, Content: "hello", Model: &model}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.MessageCount != 1 {
		t.Fatalf("MessageCount = %d, want 1", reloaded.MessageCount)
	}
	if len(reloaded.ModelsUsed) == 0 {
		t.Fatalf("expected models_used to be populated")
	}
}

func TestUpsertSummary_RebuildsFromRecentMessagesAndCapsLength(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, uuid.New(), nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.AppendMessage(ctx, session.ID, memory.Event{Role: types.RoleUser, Content: "message content"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	if err := store.UpsertSummary(ctx, session.ID, 30, 1200); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}

	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.Summary == "" {
		t.Fatalf("expected session.Summary to be populated after UpsertSummary")
	}

	// Re-running with a tiny cap exercises the ellipsis-truncation path
	// and must not error even though the built digest overflows it.
	if err := store.UpsertSummary(ctx, session.ID, 30, 20); err != nil {
		t.Fatalf("UpsertSummary (tight cap): %v", err)
	}
	capped, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(capped.Summary) > 20 {
		t.Fatalf("expected summary capped to 20 chars, got %d: %q", len(capped.Summary), capped.Summary)
	}
}

func TestUpsertSummary_NoMessagesIsANoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, uuid.New(), nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := store.UpsertSummary(ctx, session.ID, 0, 0); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.Summary != "" {
		t.Fatalf("expected no-op summary for a session with no messages, got %q", reloaded.Summary)
	}
}

func TestSetSessionTitle_PersistsAndRejectsUnknownSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, uuid.New(), nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := store.SetSessionTitle(ctx, session.ID, "My New Chat"); err != nil {
		t.Fatalf("SetSessionTitle: %v", err)
	}
	reloaded, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if reloaded.Title != "My New Chat" {
		t.Fatalf("Title = %q, want %q", reloaded.Title, "My New Chat")
	}

	if err := store.SetSessionTitle(ctx, uuid.New(), "nope"); err == nil {
		t.Fatalf("expected error setting title on a nonexistent session")
	}
}

func TestStoreMessageEmbedding_IsIdempotentPerMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, uuid.New(), nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := store.AppendMessage(ctx, session.ID, memory.Event{Role: types.RoleUser, Content: "hello"})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := store.StoreMessageEmbedding(ctx, msg.ID, session.ID, []float32{0.1, 0.2}); err != nil {
		t.Fatalf("StoreMessageEmbedding: %v", err)
	}
	if err := store.StoreMessageEmbedding(ctx, msg.ID, session.ID, []float32{0.3, 0.4}); err != nil {
		t.Fatalf("StoreMessageEmbedding (overwrite): %v", err)
	}
}
