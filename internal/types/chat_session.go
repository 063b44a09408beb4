package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ChatSession is owned exclusively by its messages, summary, document
// chunks, and message embeddings — deleting one cascades to all four.
type ChatSession struct {
	ID           uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	Title        string         `gorm:"not null;column:title" json:"title"`
	OwnerUserID  uuid.UUID      `gorm:"type:text;index;not null;column:owner_user_id" json:"owner_user_id"`
	TeamID       *string        `gorm:"index;column:team_id" json:"team_id,omitempty"`
	DefaultModel string         `gorm:"column:default_model" json:"default_model"`
	MessageCount int            `gorm:"not null;default:0;column:message_count" json:"message_count"`
	ModelsUsed   datatypes.JSON `gorm:"column:models_used" json:"models_used"`
	Summary      string         `gorm:"column:summary" json:"summary"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (ChatSession) TableName() string {
	return "chat_session"
}

func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Role values a ChatMessage may carry, per §3.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is appended monotonically within a session and never
// mutated after insert.
type ChatMessage struct {
	ID        uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	SessionID uuid.UUID      `gorm:"type:text;index;not null;column:session_id" json:"session_id"`
	Timestamp time.Time      `gorm:"index;not null;column:timestamp" json:"timestamp"`
	Role      string         `gorm:"not null;column:role" json:"role"`
	Content   string         `gorm:"not null;column:content" json:"content"`
	Model     *string        `gorm:"column:model" json:"model,omitempty"`
	Tokens    *int           `gorm:"column:tokens" json:"tokens,omitempty"`
	Files     datatypes.JSON `gorm:"column:files" json:"files,omitempty"`
}

func (ChatMessage) TableName() string {
	return "chat_message"
}

func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// ConversationSummary holds at most one row per session; text mirrors
// ChatSession.Summary.
type ConversationSummary struct {
	SessionID  uuid.UUID      `gorm:"type:text;primaryKey;column:session_id" json:"session_id"`
	Text       string         `gorm:"column:text" json:"text"`
	Events     datatypes.JSON `gorm:"column:events" json:"events,omitempty"`
	ModelsUsed datatypes.JSON `gorm:"column:models_used" json:"models_used,omitempty"`
	CreatedAt  time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`
}

func (ConversationSummary) TableName() string {
	return "conversation_summary"
}

// DocumentChunk instances with the same FileID form a contiguous
// 0..TotalChunks-1 range.
type DocumentChunk struct {
	ID          uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	SessionID   uuid.UUID      `gorm:"type:text;index;not null;column:session_id" json:"session_id"`
	FileID      string         `gorm:"index;not null;column:file_id" json:"file_id"`
	Filename    string         `gorm:"column:filename" json:"filename"`
	ChunkIndex  int            `gorm:"not null;column:chunk_index" json:"chunk_index"`
	TotalChunks int            `gorm:"not null;column:total_chunks" json:"total_chunks"`
	Content     string         `gorm:"not null;column:content" json:"content"`
	Embedding   datatypes.JSON `gorm:"column:embedding" json:"embedding,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (DocumentChunk) TableName() string {
	return "document_chunk"
}

func (c *DocumentChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// MessageEmbedding exists iff its message's content is at or above the
// short-message threshold (enforced in internal/semanticindex).
type MessageEmbedding struct {
	MessageID uuid.UUID      `gorm:"type:text;primaryKey;column:message_id" json:"message_id"`
	SessionID uuid.UUID      `gorm:"type:text;index;not null;column:session_id" json:"session_id"`
	Vector    datatypes.JSON `gorm:"not null;column:vector" json:"vector"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
}

func (MessageEmbedding) TableName() string {
	return "message_embedding"
}
