package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/chat"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/inference"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/semanticindex"
	"github.com/nullspire/opencircle/internal/types"
	"github.com/nullspire/opencircle/internal/vectorengine"
)

// fakeSelector returns a fixed three-element vector so RAG augmentation and
// background embedding exercise real code paths without a real backend.
type fakeSelector struct{}

func (fakeSelector) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}
func (fakeSelector) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}
func (fakeSelector) ActiveBackend() embedding.Backend { return embedding.BackendHash }

// fakeInferenceClient streams a fixed set of deltas, or fails, or blocks
// until released, depending on the test.
type fakeInferenceClient struct {
	deltas    []string
	failWith  error
	block     chan struct{}
	onDelta   func()
}

func (f *fakeInferenceClient) ListModels(ctx context.Context) ([]inference.Model, error) {
	return nil, nil
}

func (f *fakeInferenceClient) StreamChat(ctx context.Context, model string, messages []inference.Message, onDelta func(delta string) error) (string, error) {
	var full string
	for _, d := range f.deltas {
		select {
		case <-ctx.Done():
			return full, ctx.Err()
		default:
		}
		full += d
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return full, err
			}
		}
		if f.onDelta != nil {
			f.onDelta()
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return full, ctx.Err()
		}
	}
	if f.failWith != nil {
		return full, f.failWith
	}
	return full, nil
}

type testHarness struct {
	orchestrator chat.Orchestrator
	mem          memory.Store
	fabric       authz.Fabric
	teamMembers  repos.TeamMemberRepo
}

func newHarness(t *testing.T, cli inference.Client) (testHarness, *types.User, *types.ChatSession) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.User{}, &types.Team{}, &types.TeamMember{}, &types.InviteCode{},
		&types.InviteAttempt{}, &types.DelayedPromotion{}, &types.TempPromotion{},
		&types.ResourcePermission{}, &types.AuditEntry{},
		&types.ChatSession{}, &types.ChatMessage{}, &types.ConversationSummary{},
		&types.DocumentChunk{}, &types.MessageEmbedding{},
	); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	cfg := config.Config{
		InviteCodeTTLDays:          30,
		DelayedPromotionDays:       21,
		AutoPromotionDays:          7,
		OfflineSuperAdminThreshold: 5 * time.Minute,
		InviteLockoutMaxAttempts:   5,
		InviteLockoutWindow:        15 * time.Minute,
	}

	userRepo := repos.NewUserRepo(db, log)
	teamRepo := repos.NewTeamRepo(db, log)
	teamMemberRepo := repos.NewTeamMemberRepo(db, log)

	fabric := authz.New(
		db, log, cfg,
		userRepo, teamRepo, teamMemberRepo,
		repos.NewResourcePermissionRepo(db, log),
		repos.NewInviteCodeRepo(db, log),
		repos.NewInviteAttemptRepo(db, log),
		repos.NewDelayedPromotionRepo(db, log),
		repos.NewTempPromotionRepo(db, log),
		repos.NewAuditEntryRepo(db, log),
	)

	user := &types.User{
		Email: uuid.New().String() + "@example.com", Password: "x",
		FirstName: "A", LastName: "B", IsFounder: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	created, err := userRepo.Create(context.Background(), nil, []*types.User{user})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	mem := memory.NewStore(
		db, log,
		repos.NewChatSessionRepo(db, log),
		repos.NewChatMessageRepo(db, log),
		repos.NewConversationSummaryRepo(db, log),
		repos.NewDocumentChunkRepo(db, log),
		repos.NewMessageEmbeddingRepo(db, log),
	)

	session, err := mem.CreateSession(context.Background(), created[0].ID, nil, "untitled", "llama3")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	index := semanticindex.New(
		log, fakeSelector{}, mem,
		repos.NewMessageEmbeddingRepo(db, log),
		repos.NewDocumentChunkRepo(db, log),
		"", 0,
	)

	engine := vectorengine.New(log, fakeSelector{}, 1, 16, 30)
	t.Cleanup(func() { engine.Shutdown(time.Second) })

	orch := chat.New(log, fabric, mem, index, fakeSelector{}, cli, engine, teamMemberRepo)

	return testHarness{orchestrator: orch, mem: mem, fabric: fabric, teamMembers: teamMemberRepo}, created[0], session
}

func TestSendMessage_AutoTitlesFirstMessageAndPersistsBothTurns(t *testing.T) {
	cli := &fakeInferenceClient{deltas: []string{"Hel", "lo"}}
	h, user, session := newHarness(t, cli)

	var events []chat.Event
	err := h.orchestrator.SendMessage(context.Background(), chat.SendMessageRequest{
		ActorID:     user.ID,
		SessionID:   session.ID,
		UserContent: "How do I implement authentication in FastAPI?",
	}, func(e chat.Event) error {
		events = append(events, e)
		return nil
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	updated, err := h.mem.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.Title != "How do I implement authentication in FastAPI?" {
		t.Fatalf("expected auto-titled session, got %q", updated.Title)
	}
	if updated.MessageCount != 2 {
		t.Fatalf("expected 2 messages persisted, got %d", updated.MessageCount)
	}

	recent, err := h.mem.GetRecentMessages(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(recent) != 2 || recent[1].Role != types.RoleAssistant || recent[1].Content != "Hello" {
		t.Fatalf("unexpected persisted messages: %#v", recent)
	}

	if len(events) == 0 || events[len(events)-1].Kind != chat.EventDone {
		t.Fatalf("expected stream to end with a done event, got %#v", events)
	}
}

func TestSendMessage_UpstreamFailureMidStreamPersistsNoAssistantTurn(t *testing.T) {
	cli := &fakeInferenceClient{deltas: []string{"partial"}, failWith: fmt.Errorf("upstream exploded")}
	h, user, session := newHarness(t, cli)

	err := h.orchestrator.SendMessage(context.Background(), chat.SendMessageRequest{
		ActorID:     user.ID,
		SessionID:   session.ID,
		UserContent: "hello there",
	}, func(e chat.Event) error { return nil })
	if err == nil {
		t.Fatalf("expected upstream failure to propagate")
	}

	updated, err := h.mem.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.MessageCount != 1 {
		t.Fatalf("expected only the user turn persisted, got message_count=%d", updated.MessageCount)
	}

	recent, err := h.mem.GetRecentMessages(context.Background(), session.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(recent) != 1 || recent[0].Role != types.RoleUser {
		t.Fatalf("expected only the user message, got %#v", recent)
	}
}

func TestSendMessage_ClientDisconnectCancelsUpstreamAndPersistsNoAssistantTurn(t *testing.T) {
	block := make(chan struct{})
	var deltaCount sync.WaitGroup
	deltaCount.Add(1)
	cli := &fakeInferenceClient{
		deltas: []string{"first-chunk"},
		block:  block,
		onDelta: func() {
			deltaCount.Done()
		},
	}
	h, user, session := newHarness(t, cli)
	defer close(block)

	disconnectErr := fmt.Errorf("client disconnected")
	err := h.orchestrator.SendMessage(context.Background(), chat.SendMessageRequest{
		ActorID:     user.ID,
		SessionID:   session.ID,
		UserContent: "hello there",
	}, func(e chat.Event) error {
		if e.Kind == chat.EventContent {
			return disconnectErr
		}
		return nil
	})
	if err == nil {
		t.Fatalf("expected disconnect to surface as an error")
	}

	updated, err := h.mem.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if updated.MessageCount != 1 {
		t.Fatalf("expected only the user turn persisted after disconnect, got message_count=%d", updated.MessageCount)
	}
}

func TestSendMessage_DeniesAccessToAnotherUsersPrivateSession(t *testing.T) {
	cli := &fakeInferenceClient{deltas: []string{"hi"}}
	h, _, session := newHarness(t, cli)

	stranger := uuid.New()
	err := h.orchestrator.SendMessage(context.Background(), chat.SendMessageRequest{
		ActorID:     stranger,
		SessionID:   session.ID,
		UserContent: "hello there",
	}, func(e chat.Event) error { return nil })
	if err == nil {
		t.Fatalf("expected a stranger to be denied access to a private session")
	}
}
