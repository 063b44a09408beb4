package vault_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
	"github.com/nullspire/opencircle/internal/vault"
)

func newTestVault(t *testing.T) (vault.Vault, *types.User, *types.Team) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.User{}, &types.Team{}, &types.TeamMember{}, &types.InviteCode{},
		&types.InviteAttempt{}, &types.DelayedPromotion{}, &types.TempPromotion{},
		&types.ResourcePermission{}, &types.AuditEntry{}, &types.VaultItem{},
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

	fabric := authz.New(
		db, log, cfg,
		repos.NewUserRepo(db, log),
		repos.NewTeamRepo(db, log),
		repos.NewTeamMemberRepo(db, log),
		repos.NewResourcePermissionRepo(db, log),
		repos.NewInviteCodeRepo(db, log),
		repos.NewInviteAttemptRepo(db, log),
		repos.NewDelayedPromotionRepo(db, log),
		repos.NewTempPromotionRepo(db, log),
		repos.NewAuditEntryRepo(db, log),
	)

	userRepo := repos.NewUserRepo(db, log)
	user := &types.User{
		Email: uuid.New().String() + "@example.com", Password: "x",
		FirstName: "A", LastName: "B", IsFounder: true,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	created, err := userRepo.Create(context.Background(), nil, []*types.User{user})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	teamRepo := repos.NewTeamRepo(db, log)
	team := &types.Team{ID: uuid.New().String(), Name: "team", CreatedAt: time.Now().UTC(), CreatedBy: created[0].ID}
	createdTeam, err := teamRepo.Create(context.Background(), nil, team)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}

	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("generate master key: %v", err)
	}

	v, err := vault.New(repos.NewVaultItemRepo(db, log), fabric, log, masterKey)
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	return v, created[0], createdTeam
}

func TestPutGetRoundTrip(t *testing.T) {
	v, user, team := newTestVault(t)
	ctx := context.Background()

	item, err := v.Put(ctx, user.ID, team.ID, "secret note", types.VaultItemTypeNote, []byte("hello vault"), nil, map[string]interface{}{"env": "prod"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	fetched, err := v.Get(ctx, user.ID, item.ItemID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(fetched.Plaintext) != "hello vault" {
		t.Fatalf("expected round-tripped plaintext, got %q", fetched.Plaintext)
	}
	if fetched.Metadata["env"] != "prod" {
		t.Fatalf("expected metadata to survive round trip, got %#v", fetched.Metadata)
	}
}

func TestListOmitsPlaintext(t *testing.T) {
	v, user, team := newTestVault(t)
	ctx := context.Background()

	if _, err := v.Put(ctx, user.ID, team.ID, "item-a", types.VaultItemTypeNote, []byte("body"), nil, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	items, err := v.List(ctx, user.ID, team.ID, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Plaintext != nil {
		t.Fatalf("expected List to omit plaintext, got %q", items[0].Plaintext)
	}
}

func TestTrashExcludesFromDefaultListingAndRestoreBringsItBack(t *testing.T) {
	v, user, team := newTestVault(t)
	ctx := context.Background()

	item, err := v.Put(ctx, user.ID, team.ID, "item-a", types.VaultItemTypeNote, []byte("body"), nil, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := v.Trash(ctx, user.ID, item.ItemID); err != nil {
		t.Fatalf("Trash: %v", err)
	}

	visible, err := v.List(ctx, user.ID, team.ID, false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("expected trashed item hidden from default listing, got %d", len(visible))
	}

	withTrash, err := v.List(ctx, user.ID, team.ID, true)
	if err != nil {
		t.Fatalf("List with trash: %v", err)
	}
	if len(withTrash) != 1 || !withTrash[0].IsDeleted {
		t.Fatalf("expected trashed item in includeTrash listing, got %#v", withTrash)
	}

	if err := v.Restore(ctx, user.ID, item.ItemID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	restored, err := v.List(ctx, user.ID, team.ID, false)
	if err != nil {
		t.Fatalf("List after restore: %v", err)
	}
	if len(restored) != 1 {
		t.Fatalf("expected restored item visible again, got %d", len(restored))
	}
}

func TestTagMergesWithoutOverwritingExistingKeys(t *testing.T) {
	v, user, team := newTestVault(t)
	ctx := context.Background()

	item, err := v.Put(ctx, user.ID, team.ID, "item-a", types.VaultItemTypeNote, []byte("body"), nil, map[string]interface{}{"env": "prod"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	tagged, err := v.Tag(ctx, user.ID, item.ItemID, map[string]interface{}{"owner": "alice"})
	if err != nil {
		t.Fatalf("Tag: %v", err)
	}
	if tagged.Metadata["env"] != "prod" || tagged.Metadata["owner"] != "alice" {
		t.Fatalf("expected merged metadata, got %#v", tagged.Metadata)
	}
}

func TestPurgeHardDeletesItem(t *testing.T) {
	v, user, team := newTestVault(t)
	ctx := context.Background()

	item, err := v.Put(ctx, user.ID, team.ID, "item-a", types.VaultItemTypeNote, []byte("body"), nil, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := v.Purge(ctx, user.ID, item.ItemID); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if _, err := v.Get(ctx, user.ID, item.ItemID); err == nil {
		t.Fatalf("expected purged item to be gone")
	}
}
