package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// VaultItem's ciphertext is the authenticated-encryption output of a
// team-scoped key (internal/vault); deletion is soft via IsDeleted.
type VaultItem struct {
	ItemID    uuid.UUID      `gorm:"type:text;primaryKey;column:item_id" json:"item_id"`
	TeamID    string         `gorm:"index;not null;column:team_id" json:"team_id"`
	Name      string         `gorm:"not null;column:name" json:"name"`
	Type      string         `gorm:"column:type" json:"type"`
	Ciphertext []byte        `gorm:"not null;column:ciphertext" json:"-"`
	Nonce     []byte         `gorm:"not null;column:nonce" json:"-"`
	KeyHash   string         `gorm:"not null;column:key_hash" json:"key_hash"`
	Size      int64          `gorm:"not null;column:size" json:"size"`
	MimeType  *string        `gorm:"column:mime_type" json:"mime_type,omitempty"`
	CreatedAt time.Time      `gorm:"not null;column:created_at" json:"created_at"`
	CreatedBy uuid.UUID      `gorm:"type:text;not null;column:created_by" json:"created_by"`
	UpdatedAt *time.Time     `gorm:"column:updated_at" json:"updated_at,omitempty"`
	UpdatedBy *uuid.UUID     `gorm:"type:text;column:updated_by" json:"updated_by,omitempty"`
	IsDeleted bool           `gorm:"not null;default:false;index;column:is_deleted" json:"is_deleted"`
	DeletedAt *time.Time     `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	Metadata  datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (VaultItem) TableName() string {
	return "vault_item"
}

func (v *VaultItem) BeforeCreate(tx *gorm.DB) error {
	if v.ItemID == uuid.Nil {
		v.ItemID = uuid.New()
	}
	return nil
}

// VaultItem.Type values.
const (
	VaultItemTypeFile = "file"
	VaultItemTypeNote = "note"
	VaultItemTypeSecret = "secret"
)

// AuditEntry is append-only and emitted by every authorization decision
// and mutating action (§4.5, §7).
type AuditEntry struct {
	ID         uuid.UUID      `gorm:"type:text;primaryKey" json:"id"`
	UserID     uuid.UUID      `gorm:"type:text;index;not null;column:user_id" json:"user_id"`
	Action     string         `gorm:"not null;index;column:action" json:"action"`
	Resource   *string        `gorm:"column:resource" json:"resource,omitempty"`
	ResourceID *string        `gorm:"column:resource_id" json:"resource_id,omitempty"`
	IP         *string        `gorm:"column:ip" json:"ip,omitempty"`
	Details    datatypes.JSON `gorm:"column:details" json:"details,omitempty"`
	Timestamp  time.Time      `gorm:"not null;index;column:timestamp" json:"timestamp"`
}

func (AuditEntry) TableName() string {
	return "audit_entry"
}

func (e *AuditEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
