// Package memory implements the durable persistence facade of spec.md
// §4.1 over the chat_memory.db store: sessions, messages, the rolling
// summary, document chunks, and message embeddings. Every write goes
// through a single *gorm.DB transaction so AppendMessage's read-your-writes
// guarantee holds within the process, grounded on
// original_source/api/chat_memory.py's write-lock-then-commit discipline.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
)

// Event is the caller-facing shape of one ChatMessage append, mirroring
// original_source's ConversationEvent dataclass.
type Event struct {
	Role    string
	Content string
	Model   *string
	Tokens  *int
	Files   []map[string]interface{}
}

// Chunk is one caller-supplied document chunk for StoreDocumentChunks.
type Chunk struct {
	FileID      string
	Filename    string
	ChunkIndex  int
	TotalChunks int
	Content     string
	Embedding   []float32
}

const (
	defaultSummaryEventWindow = 30
	defaultSummaryCharCap     = 1200
)

// Store is the Memory Store contract of §4.1.
type Store interface {
	CreateSession(ctx context.Context, ownerUserID uuid.UUID, teamID *string, title, defaultModel string) (*types.ChatSession, error)
	AppendMessage(ctx context.Context, sessionID uuid.UUID, event Event) (*types.ChatMessage, error)
	GetRecentMessages(ctx context.Context, sessionID uuid.UUID, n int) ([]*types.ChatMessage, error)
	UpsertSummary(ctx context.Context, sessionID uuid.UUID, maxEvents, maxSummaryChars int) error
	StoreDocumentChunks(ctx context.Context, sessionID uuid.UUID, chunks []Chunk) error
	StoreMessageEmbedding(ctx context.Context, messageID, sessionID uuid.UUID, vector []float32) error
	DeleteSession(ctx context.Context, sessionID uuid.UUID) error
	// SetSessionTitle backs the Chat Orchestrator's auto-title step: the
	// first message appended to a session synthesizes and persists a title.
	SetSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error
	GetSession(ctx context.Context, sessionID uuid.UUID) (*types.ChatSession, error)
	ListSessionsByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]*types.ChatSession, error)
}

type store struct {
	db *gorm.DB
	log *logger.Logger

	sessions    repos.ChatSessionRepo
	messages    repos.ChatMessageRepo
	summaries   repos.ConversationSummaryRepo
	chunks      repos.DocumentChunkRepo
	embeddings  repos.MessageEmbeddingRepo
}

func NewStore(
	db *gorm.DB,
	baseLog *logger.Logger,
	sessions repos.ChatSessionRepo,
	messages repos.ChatMessageRepo,
	summaries repos.ConversationSummaryRepo,
	chunks repos.DocumentChunkRepo,
	embeddings repos.MessageEmbeddingRepo,
) Store {
	return &store{
		db:         db,
		log:        baseLog.With("component", "memory.Store"),
		sessions:   sessions,
		messages:   messages,
		summaries:  summaries,
		chunks:     chunks,
		embeddings: embeddings,
	}
}

func (s *store) CreateSession(ctx context.Context, ownerUserID uuid.UUID, teamID *string, title, defaultModel string) (*types.ChatSession, error) {
	initialModels := []string{}
	if defaultModel != "" {
		initialModels = []string{defaultModel}
	}
	rawModelsUsed, err := json.Marshal(initialModels)
	if err != nil {
		return nil, apierr.Store("memory.create_session.marshal", "failed to prepare session", err)
	}
	modelsUsed := datatypes.JSON(rawModelsUsed)

	session := &types.ChatSession{
		ID:           uuid.New(),
		Title:        title,
		OwnerUserID:  ownerUserID,
		TeamID:       teamID,
		DefaultModel: defaultModel,
		MessageCount: 0,
		ModelsUsed:   modelsUsed,
	}

	created, err := s.sessions.Create(ctx, nil, []*types.ChatSession{session})
	if err != nil {
		return nil, apierr.Store("memory.create_session", "failed to create chat session", err)
	}
	return created[0], nil
}

func (s *store) GetSession(ctx context.Context, sessionID uuid.UUID) (*types.ChatSession, error) {
	results, err := s.sessions.GetByIDs(ctx, nil, []uuid.UUID{sessionID})
	if err != nil {
		return nil, apierr.Store("memory.get_session", "failed to load chat session", err)
	}
	if len(results) == 0 {
		return nil, apierr.NotFound("memory.session_not_found", "chat session not found", nil)
	}
	return results[0], nil
}

func (s *store) ListSessionsByOwner(ctx context.Context, ownerUserID uuid.UUID) ([]*types.ChatSession, error) {
	results, err := s.sessions.ListByOwner(ctx, nil, ownerUserID)
	if err != nil {
		return nil, apierr.Store("memory.list_sessions", "failed to list chat sessions", err)
	}
	return results, nil
}

// AppendMessage inserts the message and, in the same transaction, bumps
// message_count/updated_at and folds event.Model into models_used, per
// §4.1's contract.
func (s *store) AppendMessage(ctx context.Context, sessionID uuid.UUID, event Event) (*types.ChatMessage, error) {
	var created *types.ChatMessage

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var filesJSON datatypes.JSON
		if len(event.Files) > 0 {
			encoded, err := json.Marshal(event.Files)
			if err != nil {
				return err
			}
			filesJSON = datatypes.JSON(encoded)
		}

		msg := &types.ChatMessage{
			ID:        uuid.New(),
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Role:      event.Role,
			Content:   event.Content,
			Model:     event.Model,
			Tokens:    event.Tokens,
			Files:     filesJSON,
		}

		insertedList, err := s.messages.Create(ctx, tx, []*types.ChatMessage{msg})
		if err != nil {
			return err
		}
		created = insertedList[0]

		var sessions []*types.ChatSession
		sessions, err = s.sessions.GetByIDs(ctx, tx, []uuid.UUID{sessionID})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return fmt.Errorf("session %s not found", sessionID)
		}
		session := sessions[0]
		session.MessageCount++
		session.UpdatedAt = time.Now().UTC()

		if event.Model != nil && *event.Model != "" {
			session.ModelsUsed = foldModelIntoUsed(session.ModelsUsed, *event.Model)
		}

		return s.sessions.Update(ctx, tx, session)
	})
	if err != nil {
		return nil, apierr.Store("memory.append_message", "failed to append message", err)
	}
	return created, nil
}

// foldModelIntoUsed merges model into the existing models_used JSON array,
// deduplicating and keeping first-seen order (a new model is appended).
func foldModelIntoUsed(existing datatypes.JSON, model string) datatypes.JSON {
	var models []string
	if len(existing) > 0 {
		_ = json.Unmarshal(existing, &models)
	}
	seen := map[string]bool{}
	for _, m := range models {
		seen[m] = true
	}
	if !seen[model] {
		models = append(models, model)
	}
	encoded, err := json.Marshal(models)
	if err != nil {
		return existing
	}
	return datatypes.JSON(encoded)
}

func (s *store) GetRecentMessages(ctx context.Context, sessionID uuid.UUID, n int) ([]*types.ChatMessage, error) {
	results, err := s.messages.ListRecentBySession(ctx, nil, sessionID, n)
	if err != nil {
		return nil, apierr.Store("memory.get_recent_messages", "failed to load recent messages", err)
	}
	return results, nil
}

// UpsertSummary implements §4.1's rolling summary algorithm: collect the
// last maxEvents messages, build a bulleted digest capped to
// maxSummaryChars with an ellipsis, and persist it alongside the events
// snapshot and models union in one transaction, mirroring the session's
// summary mirror column.
func (s *store) UpsertSummary(ctx context.Context, sessionID uuid.UUID, maxEvents, maxSummaryChars int) error {
	if maxEvents <= 0 {
		maxEvents = defaultSummaryEventWindow
	}
	if maxSummaryChars <= 0 {
		maxSummaryChars = defaultSummaryCharCap
	}

	events, err := s.messages.ListRecentBySession(ctx, nil, sessionID, maxEvents)
	if err != nil {
		return apierr.Store("memory.upsert_summary.load", "failed to load events for summary", err)
	}
	if len(events) == 0 {
		return nil
	}

	summaryText := buildRollingSummary(events, maxSummaryChars)

	modelsUsed := map[string]bool{}
	for _, ev := range events {
		if ev.Model != nil && *ev.Model != "" {
			modelsUsed[*ev.Model] = true
		}
	}
	modelList := make([]string, 0, len(modelsUsed))
	for m := range modelsUsed {
		modelList = append(modelList, m)
	}

	rawEventsJSON, err := json.Marshal(events)
	if err != nil {
		return apierr.Store("memory.upsert_summary.marshal_events", "failed to encode summary events", err)
	}
	eventsJSON := datatypes.JSON(rawEventsJSON)
	rawModelsJSON, err := json.Marshal(modelList)
	if err != nil {
		return apierr.Store("memory.upsert_summary.marshal_models", "failed to encode summary models", err)
	}
	modelsJSON := datatypes.JSON(rawModelsJSON)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.summaries.GetBySession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		record := &types.ConversationSummary{
			SessionID:  sessionID,
			Text:       summaryText,
			Events:     eventsJSON,
			ModelsUsed: modelsJSON,
			UpdatedAt:  now,
		}
		if existing != nil {
			record.CreatedAt = existing.CreatedAt
		} else {
			record.CreatedAt = now
		}
		if err := s.summaries.Upsert(ctx, tx, record); err != nil {
			return err
		}

		sessions, err := s.sessions.GetByIDs(ctx, tx, []uuid.UUID{sessionID})
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			return fmt.Errorf("session %s not found", sessionID)
		}
		session := sessions[0]
		session.Summary = summaryText
		return s.sessions.Update(ctx, tx, session)
	})
}

func buildRollingSummary(events []*types.ChatMessage, maxSummaryChars int) string {
	var b strings.Builder
	b.WriteString("Recent conversation:")
	for _, ev := range events {
		content := strings.ReplaceAll(strings.TrimSpace(ev.Content), "\n", " ")
		if len(content) > 100 {
			content = content[:100] + "…"
		}
		modelTag := ""
		if ev.Model != nil && *ev.Model != "" {
			modelTag = fmt.Sprintf(" [%s]", *ev.Model)
		}
		b.WriteString(fmt.Sprintf("\n- %s%s: %s", ev.Role, modelTag, content))
	}
	summary := b.String()
	if len(summary) > maxSummaryChars {
		const ellipsis = "…"
		cut := maxSummaryChars - len(ellipsis)
		if cut < 0 {
			cut = 0
		}
		summary = summary[:cut] + ellipsis
	}
	return summary
}

func (s *store) StoreDocumentChunks(ctx context.Context, sessionID uuid.UUID, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	records := make([]*types.DocumentChunk, 0, len(chunks))
	for _, c := range chunks {
		rawEmbedding, err := json.Marshal(c.Embedding)
		if err != nil {
			return apierr.Store("memory.store_chunks.marshal", "failed to encode chunk embedding", err)
		}
		records = append(records, &types.DocumentChunk{
			ID:          uuid.New(),
			SessionID:   sessionID,
			FileID:      c.FileID,
			Filename:    c.Filename,
			ChunkIndex:  c.ChunkIndex,
			TotalChunks: c.TotalChunks,
			Content:     c.Content,
			Embedding:   datatypes.JSON(rawEmbedding),
			CreatedAt:   time.Now().UTC(),
		})
	}
	if _, err := s.chunks.Create(ctx, nil, records); err != nil {
		return apierr.Store("memory.store_chunks", "failed to store document chunks", err)
	}
	return nil
}

// StoreMessageEmbedding is idempotent per message_id: Upsert overwrites any
// existing row for the same message, per §4.1.
func (s *store) StoreMessageEmbedding(ctx context.Context, messageID, sessionID uuid.UUID, vector []float32) error {
	rawVector, err := json.Marshal(vector)
	if err != nil {
		return apierr.Store("memory.store_embedding.marshal", "failed to encode message embedding", err)
	}
	embedding := &types.MessageEmbedding{
		MessageID: messageID,
		SessionID: sessionID,
		Vector:    datatypes.JSON(rawVector),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.embeddings.Upsert(ctx, nil, embedding); err != nil {
		return apierr.Store("memory.store_embedding", "failed to store message embedding", err)
	}
	return nil
}

func (s *store) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.sessions.DeleteByIDs(ctx, nil, []uuid.UUID{sessionID}); err != nil {
		return apierr.Store("memory.delete_session", "failed to delete chat session", err)
	}
	return nil
}

func (s *store) SetSessionTitle(ctx context.Context, sessionID uuid.UUID, title string) error {
	sessions, err := s.sessions.GetByIDs(ctx, nil, []uuid.UUID{sessionID})
	if err != nil {
		return apierr.Store("memory.set_title.load", "failed to load chat session", err)
	}
	if len(sessions) == 0 {
		return apierr.NotFound("memory.session_not_found", "chat session not found", nil)
	}
	session := sessions[0]
	session.Title = title
	session.UpdatedAt = time.Now().UTC()
	if err := s.sessions.Update(ctx, nil, session); err != nil {
		return apierr.Store("memory.set_title", "failed to persist session title", err)
	}
	return nil
}
