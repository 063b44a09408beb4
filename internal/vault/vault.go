// Package vault implements the supplemented VaultItem surface of §3/§4.5.2:
// AEAD-encrypted item storage scoped per team, soft-delete (trash) listing,
// restore, permanent deletion, and a metadata sub-key for tagging. Every
// mutating call is gated by authz.Fabric's vault resource permission check
// before it touches the store, grounded on original_source/apps/backend/
// api/routes/vault's permission-then-mutate sequencing, narrowed to the
// item CRUD slice SPEC_FULL.md keeps.
package vault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/datatypes"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
)

// Item is the caller-facing, decrypted view of a VaultItem — the ciphertext
// and nonce never leave this package.
type Item struct {
	ItemID    uuid.UUID
	TeamID    string
	Name      string
	Type      string
	Plaintext []byte
	Size      int64
	MimeType  *string
	Metadata  map[string]interface{}
	CreatedAt time.Time
	CreatedBy uuid.UUID
	UpdatedAt *time.Time
	UpdatedBy *uuid.UUID
	IsDeleted bool
	DeletedAt *time.Time
}

// Vault is the contract SPEC_FULL.md's vault component implements over
// VaultItemRepo: authorize, encrypt/decrypt, and soft-delete semantics.
type Vault interface {
	Put(ctx context.Context, actorID uuid.UUID, teamID, name, itemType string, plaintext []byte, mimeType *string, metadata map[string]interface{}) (*Item, error)
	Get(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) (*Item, error)
	List(ctx context.Context, actorID uuid.UUID, teamID string, includeTrash bool) ([]*Item, error)
	Update(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID, name *string, plaintext []byte, metadata map[string]interface{}) (*Item, error)
	Tag(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID, tags map[string]interface{}) (*Item, error)
	Trash(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error
	Restore(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error
	Purge(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error
}

type vault struct {
	repo       repos.VaultItemRepo
	fabric     authz.Fabric
	log        *logger.Logger
	aead       chacha20poly1305.AEAD
	keyHashHex string
}

// New constructs a Vault over a 32-byte key (golang.org/x/crypto/
// chacha20poly1305 requires exactly KeySize bytes); masterKey is decoded by
// the caller from config.VaultMasterKeyB64.
func New(repo repos.VaultItemRepo, fabric authz.Fabric, log *logger.Logger, masterKey []byte) (Vault, error) {
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, apierr.Internal("vault.key_invalid", "vault master key must be exactly 32 bytes", err)
	}
	sum := sha256.Sum256(masterKey)
	return &vault{
		repo:       repo,
		fabric:     fabric,
		log:        log.With("component", "vault.Vault"),
		aead:       aead,
		keyHashHex: hex.EncodeToString(sum[:8]),
	}, nil
}

func (v *vault) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = v.aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func (v *vault) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	return v.aead.Open(nil, nonce, ciphertext, nil)
}

func marshalMetadata(metadata map[string]interface{}) (datatypes.JSON, error) {
	if metadata == nil {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalMetadata(raw datatypes.JSON) map[string]interface{} {
	if len(raw) == 0 {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toItem(row *types.VaultItem, plaintext []byte) *Item {
	return &Item{
		ItemID:    row.ItemID,
		TeamID:    row.TeamID,
		Name:      row.Name,
		Type:      row.Type,
		Plaintext: plaintext,
		Size:      row.Size,
		MimeType:  row.MimeType,
		Metadata:  unmarshalMetadata(row.Metadata),
		CreatedAt: row.CreatedAt,
		CreatedBy: row.CreatedBy,
		UpdatedAt: row.UpdatedAt,
		UpdatedBy: row.UpdatedBy,
		IsDeleted: row.IsDeleted,
		DeletedAt: row.DeletedAt,
	}
}

func (v *vault) authorize(ctx context.Context, actorID uuid.UUID, teamID, resourceID, permissionType string) error {
	decision, err := v.fabric.CheckResourcePermission(ctx, actorID, types.PermissionResourceVault, resourceID, teamID, permissionType, nil)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return apierr.Authz("vault.permission_denied", decision.Reason, nil)
	}
	return nil
}

func (v *vault) Put(ctx context.Context, actorID uuid.UUID, teamID, name, itemType string, plaintext []byte, mimeType *string, metadata map[string]interface{}) (*Item, error) {
	if err := v.authorize(ctx, actorID, teamID, "", "write"); err != nil {
		return nil, err
	}

	ciphertext, nonce, err := v.encrypt(plaintext)
	if err != nil {
		return nil, apierr.Internal("vault.encrypt_failed", "failed to encrypt vault item", err)
	}
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, apierr.Validation("vault.metadata_invalid", "metadata must be JSON-serializable", err)
	}

	now := time.Now().UTC()
	row := &types.VaultItem{
		TeamID:     teamID,
		Name:       name,
		Type:       itemType,
		Ciphertext: ciphertext,
		Nonce:      nonce,
		KeyHash:    v.keyHashHex,
		Size:       int64(len(plaintext)),
		MimeType:   mimeType,
		CreatedAt:  now,
		CreatedBy:  actorID,
		Metadata:   metaJSON,
	}
	created, err := v.repo.Create(ctx, nil, row)
	if err != nil {
		return nil, apierr.Store("vault.create_failed", "failed to persist vault item", err)
	}
	return toItem(created, plaintext), nil
}

func (v *vault) fetchAuthorized(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID, permissionType string) (*types.VaultItem, error) {
	row, err := v.repo.GetByID(ctx, nil, itemID)
	if err != nil {
		return nil, apierr.Store("vault.lookup_failed", "failed to look up vault item", err)
	}
	if row == nil {
		return nil, apierr.NotFound("vault.not_found", "vault item not found", nil)
	}
	if err := v.authorize(ctx, actorID, row.TeamID, itemID.String(), permissionType); err != nil {
		return nil, err
	}
	return row, nil
}

func (v *vault) Get(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) (*Item, error) {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "read")
	if err != nil {
		return nil, err
	}
	plaintext, err := v.decrypt(row.Ciphertext, row.Nonce)
	if err != nil {
		return nil, apierr.Internal("vault.decrypt_failed", "failed to decrypt vault item", err)
	}
	return toItem(row, plaintext), nil
}

func (v *vault) List(ctx context.Context, actorID uuid.UUID, teamID string, includeTrash bool) ([]*Item, error) {
	if err := v.authorize(ctx, actorID, teamID, "", "read"); err != nil {
		return nil, err
	}
	rows, err := v.repo.ListByTeam(ctx, nil, teamID, includeTrash)
	if err != nil {
		return nil, apierr.Store("vault.list_failed", "failed to list vault items", err)
	}
	items := make([]*Item, 0, len(rows))
	for _, row := range rows {
		// List intentionally omits plaintext (§4.5.2 read vs. write
		// split): callers fetch bodies individually via Get.
		items = append(items, toItem(row, nil))
	}
	return items, nil
}

func (v *vault) Update(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID, name *string, plaintext []byte, metadata map[string]interface{}) (*Item, error) {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "write")
	if err != nil {
		return nil, err
	}

	if name != nil {
		row.Name = *name
	}
	if plaintext != nil {
		ciphertext, nonce, encErr := v.encrypt(plaintext)
		if encErr != nil {
			return nil, apierr.Internal("vault.encrypt_failed", "failed to encrypt vault item", encErr)
		}
		row.Ciphertext = ciphertext
		row.Nonce = nonce
		row.Size = int64(len(plaintext))
	}
	if metadata != nil {
		metaJSON, metaErr := marshalMetadata(metadata)
		if metaErr != nil {
			return nil, apierr.Validation("vault.metadata_invalid", "metadata must be JSON-serializable", metaErr)
		}
		row.Metadata = metaJSON
	}
	now := time.Now().UTC()
	row.UpdatedAt = &now
	row.UpdatedBy = &actorID

	if err := v.repo.Update(ctx, nil, row); err != nil {
		return nil, apierr.Store("vault.update_failed", "failed to update vault item", err)
	}

	returnedPlaintext := plaintext
	if returnedPlaintext == nil {
		returnedPlaintext, err = v.decrypt(row.Ciphertext, row.Nonce)
		if err != nil {
			return nil, apierr.Internal("vault.decrypt_failed", "failed to decrypt vault item", err)
		}
	}
	return toItem(row, returnedPlaintext), nil
}

// Tag merges tags into the item's existing metadata (§3's `metadata?`
// sub-key), leaving the ciphertext untouched — no re-encryption needed
// since tags are stored outside the AEAD payload.
func (v *vault) Tag(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID, tags map[string]interface{}) (*Item, error) {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "write")
	if err != nil {
		return nil, err
	}

	merged := unmarshalMetadata(row.Metadata)
	if merged == nil {
		merged = map[string]interface{}{}
	}
	for k, val := range tags {
		merged[k] = val
	}
	metaJSON, err := marshalMetadata(merged)
	if err != nil {
		return nil, apierr.Validation("vault.metadata_invalid", "tags must be JSON-serializable", err)
	}
	row.Metadata = metaJSON
	now := time.Now().UTC()
	row.UpdatedAt = &now
	row.UpdatedBy = &actorID

	if err := v.repo.Update(ctx, nil, row); err != nil {
		return nil, apierr.Store("vault.update_failed", "failed to persist tags", err)
	}
	return toItem(row, nil), nil
}

func (v *vault) Trash(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "admin")
	if err != nil {
		return err
	}
	if err := v.repo.SoftDelete(ctx, nil, row.ItemID, time.Now().UTC()); err != nil {
		return apierr.Store("vault.trash_failed", "failed to move vault item to trash", err)
	}
	return nil
}

func (v *vault) Restore(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "admin")
	if err != nil {
		return err
	}
	if err := v.repo.Restore(ctx, nil, row.ItemID); err != nil {
		return apierr.Store("vault.restore_failed", "failed to restore vault item", err)
	}
	return nil
}

func (v *vault) Purge(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error {
	row, err := v.fetchAuthorized(ctx, actorID, itemID, "admin")
	if err != nil {
		return err
	}
	if err := v.repo.HardDelete(ctx, nil, row.ItemID); err != nil {
		return apierr.Store("vault.purge_failed", "failed to permanently delete vault item", err)
	}
	return nil
}

// DecodeMasterKey base64-decodes config.VaultMasterKeyB64 and validates its
// length, following the same decode-and-validate shape the teacher's own
// bcrypt-based secrets use for fixed-length material.
func DecodeMasterKey(b64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, apierr.Internal("vault.key_decode_failed", "vault master key is not valid base64", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, apierr.Internal("vault.key_wrong_length", "vault master key must decode to 32 bytes", nil)
	}
	return key, nil
}
