package authz

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
)

func newTestFabric(t *testing.T) (*fabric, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := db.AutoMigrate(
		&types.User{}, &types.Team{}, &types.TeamMember{}, &types.InviteCode{},
		&types.InviteAttempt{}, &types.DelayedPromotion{}, &types.TempPromotion{},
		&types.ResourcePermission{}, &types.AuditEntry{},
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

	f := &fabric{
		db:                     db,
		log:                    log,
		cfg:                    cfg,
		userRepo:               repos.NewUserRepo(db, log),
		teamRepo:               repos.NewTeamRepo(db, log),
		teamMemberRepo:         repos.NewTeamMemberRepo(db, log),
		resourcePermissionRepo: repos.NewResourcePermissionRepo(db, log),
		inviteCodeRepo:         repos.NewInviteCodeRepo(db, log),
		inviteAttemptRepo:      repos.NewInviteAttemptRepo(db, log),
		delayedPromotionRepo:   repos.NewDelayedPromotionRepo(db, log),
		tempPromotionRepo:      repos.NewTempPromotionRepo(db, log),
		auditEntryRepo:         repos.NewAuditEntryRepo(db, log),
	}
	return f, db
}

func mustCreateUser(t *testing.T, f *fabric, founder bool) *types.User {
	t.Helper()
	u := &types.User{
		Email:     uuid.New().String() + "@example.com",
		Password:  "x",
		FirstName: "A",
		LastName:  "B",
		IsFounder: founder,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	created, err := f.userRepo.Create(context.Background(), nil, []*types.User{u})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return created[0]
}

func mustCreateTeam(t *testing.T, f *fabric, creator uuid.UUID) *types.Team {
	t.Helper()
	team := &types.Team{ID: uuid.New().String(), Name: "team", CreatedAt: time.Now().UTC(), CreatedBy: creator}
	created, err := f.teamRepo.Create(context.Background(), nil, team)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return created
}

func mustAddMember(t *testing.T, f *fabric, teamID string, userID uuid.UUID, role string) {
	t.Helper()
	now := time.Now().UTC()
	if _, err := f.teamMemberRepo.Create(context.Background(), nil, &types.TeamMember{
		TeamID: teamID, UserID: userID, Role: role, JoinedAt: now, LastSeen: now,
	}); err != nil {
		t.Fatalf("add member: %v", err)
	}
}

func TestCheckResourcePermission_FounderAlwaysAllowed(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)

	decision, err := f.CheckResourcePermission(context.Background(), founder.ID, types.PermissionResourceVault, "item-1", team.ID, "write", nil)
	if err != nil {
		t.Fatalf("CheckResourcePermission: %v", err)
	}
	if !decision.Allowed || decision.Reason != "Founder Rights" {
		t.Fatalf("expected founder allow, got %#v", decision)
	}
}

func TestCheckResourcePermission_DefaultMatrixDeniesBelowMinRole(t *testing.T) {
	f, _ := newTestFabric(t)
	user := mustCreateUser(t, f, false)
	team := mustCreateTeam(t, f, user.ID)
	mustAddMember(t, f, team.ID, user.ID, types.RoleMember)

	decision, err := f.CheckResourcePermission(context.Background(), user.ID, types.PermissionResourceVault, "item-1", team.ID, "write", nil)
	if err != nil {
		t.Fatalf("CheckResourcePermission: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected member to be denied vault write, got %#v", decision)
	}
}

func TestCheckResourcePermission_ExplicitGrantOverridesMatrix(t *testing.T) {
	f, _ := newTestFabric(t)
	user := mustCreateUser(t, f, false)
	team := mustCreateTeam(t, f, user.ID)
	mustAddMember(t, f, team.ID, user.ID, types.RoleMember)

	if _, err := f.Grant(context.Background(), user.ID, types.PermissionResourceVault, "item-1", team.ID, "write", types.GrantTypeUser, user.ID.String()); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	decision, err := f.CheckResourcePermission(context.Background(), user.ID, types.PermissionResourceVault, "item-1", team.ID, "write", nil)
	if err != nil {
		t.Fatalf("CheckResourcePermission: %v", err)
	}
	if !decision.Allowed || decision.Reason != "Explicit user grant" {
		t.Fatalf("expected explicit grant allow, got %#v", decision)
	}
}

func TestCheckResourcePermission_ExplicitGrantsExistNoneMatchedDenies(t *testing.T) {
	f, _ := newTestFabric(t)
	user := mustCreateUser(t, f, false)
	other := mustCreateUser(t, f, false)
	team := mustCreateTeam(t, f, user.ID)
	mustAddMember(t, f, team.ID, user.ID, types.RoleAdmin) // would pass the default matrix on its own

	if _, err := f.Grant(context.Background(), other.ID, types.PermissionResourceVault, "item-1", team.ID, "write", types.GrantTypeUser, other.ID.String()); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	decision, err := f.CheckResourcePermission(context.Background(), user.ID, types.PermissionResourceVault, "item-1", team.ID, "write", nil)
	if err != nil {
		t.Fatalf("CheckResourcePermission: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected deny once explicit grants exist and none matched, got %#v", decision)
	}
}

func TestSuperAdminCap(t *testing.T) {
	f, _ := newTestFabric(t)
	cases := []struct {
		size     int
		expected int
	}{{3, 1}, {5, 1}, {6, 2}, {15, 2}, {16, 3}, {30, 3}, {31, 4}, {50, 4}, {51, 5}}
	for _, c := range cases {
		if got := f.SuperAdminCap(c.size); got != c.expected {
			t.Fatalf("SuperAdminCap(%d) = %d, want %d", c.size, got, c.expected)
		}
	}
}

func TestInviteLifecycle_RedeemAddsGuestMember(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)
	redeemer := mustCreateUser(t, f, false)

	invite, err := f.CreateInvite(context.Background(), founder.ID, team.ID)
	if err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}

	member, err := f.RedeemInvite(context.Background(), invite.Code, "10.0.0.1", redeemer.ID)
	if err != nil {
		t.Fatalf("RedeemInvite: %v", err)
	}
	if member.Role != types.RoleGuest {
		t.Fatalf("expected new member to join as guest, got %q", member.Role)
	}

	if _, err := f.RedeemInvite(context.Background(), invite.Code, "10.0.0.2", mustCreateUser(t, f, false).ID); err == nil {
		t.Fatalf("expected second redemption of a consumed code to fail")
	}
}

func TestInviteLifecycle_LockoutAfterFailedAttempts(t *testing.T) {
	f, _ := newTestFabric(t)
	attacker := mustCreateUser(t, f, false)
	for i := 0; i < f.cfg.InviteLockoutMaxAttempts; i++ {
		if _, err := f.RedeemInvite(context.Background(), "WRONG-CODE-X", "10.0.0.9", attacker.ID); err == nil {
			t.Fatalf("expected invalid-code error on attempt %d", i)
		}
	}

	_, err := f.RedeemInvite(context.Background(), "WRONG-CODE-X", "10.0.0.9", attacker.ID)
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != "authz.invite_locked" {
		t.Fatalf("expected lockout error, got %v", err)
	}
}

func TestPromotionSweep_PromotesDueDelayedAndAgedGuests(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)

	delayedUser := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, delayedUser.ID, types.RoleGuest)
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := f.delayedPromotionRepo.Create(context.Background(), nil, &types.DelayedPromotion{
		TeamID: team.ID, UserID: delayedUser.ID, FromRole: types.RoleGuest, ToRole: types.RoleMember,
		ScheduledAt: past, ExecuteAt: past,
	}); err != nil {
		t.Fatalf("seed delayed promotion: %v", err)
	}

	agedGuest := mustCreateUser(t, f, false)
	agedJoinedAt := time.Now().UTC().AddDate(0, 0, -f.cfg.AutoPromotionDays-1)
	if _, err := f.teamMemberRepo.Create(context.Background(), nil, &types.TeamMember{
		TeamID: team.ID, UserID: agedGuest.ID, Role: types.RoleGuest, JoinedAt: agedJoinedAt, LastSeen: agedJoinedAt,
	}); err != nil {
		t.Fatalf("seed aged guest: %v", err)
	}

	if err := f.RunPromotionSweep(context.Background()); err != nil {
		t.Fatalf("RunPromotionSweep: %v", err)
	}

	delayedMember, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, delayedUser.ID)
	if err != nil || delayedMember == nil {
		t.Fatalf("get delayed member: %v", err)
	}
	if delayedMember.Role != types.RoleMember {
		t.Fatalf("expected delayed promotion to have executed, role = %q", delayedMember.Role)
	}

	agedMember, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, agedGuest.ID)
	if err != nil || agedMember == nil {
		t.Fatalf("get aged member: %v", err)
	}
	if agedMember.Role != types.RoleMember {
		t.Fatalf("expected aged guest to be auto-promoted, role = %q", agedMember.Role)
	}
}

func TestPromoteInstant_RequiresAdminAndOnlyPromotesGuests(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)

	guest := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, guest.ID, types.RoleGuest)

	member := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, member.ID, types.RoleMember)

	if err := f.PromoteInstant(context.Background(), member.ID, team.ID, guest.ID); err == nil {
		t.Fatalf("expected member-level requester to be denied instant promotion")
	}

	if err := f.PromoteInstant(context.Background(), founder.ID, team.ID, guest.ID); err != nil {
		t.Fatalf("PromoteInstant: %v", err)
	}
	updated, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, guest.ID)
	if err != nil || updated == nil || updated.Role != types.RoleMember {
		t.Fatalf("expected guest promoted to member, got %#v err=%v", updated, err)
	}

	if err := f.PromoteInstant(context.Background(), founder.ID, team.ID, guest.ID); err == nil {
		t.Fatalf("expected re-promotion of a non-guest to fail")
	}
}

func TestScheduleDelayedPromotion_IsIdempotentAndExecutesViaSweep(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)

	guest := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, guest.ID, types.RoleGuest)

	first, err := f.ScheduleDelayedPromotion(context.Background(), team.ID, guest.ID, "decoy ceremony")
	if err != nil {
		t.Fatalf("ScheduleDelayedPromotion: %v", err)
	}
	second, err := f.ScheduleDelayedPromotion(context.Background(), team.ID, guest.ID, "decoy ceremony")
	if err != nil {
		t.Fatalf("ScheduleDelayedPromotion (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected a pending delayed promotion not to be duplicated")
	}

	if err := f.delayedPromotionRepo.MarkExecuted(context.Background(), nil, first.ID, time.Now().UTC().Add(-time.Hour)); err != nil {
		t.Fatalf("force-expire: %v", err)
	}
	if _, err := f.delayedPromotionRepo.Create(context.Background(), nil, &types.DelayedPromotion{
		TeamID: team.ID, UserID: guest.ID, FromRole: types.RoleGuest, ToRole: types.RoleMember,
		ScheduledAt: time.Now().UTC().Add(-time.Hour), ExecuteAt: time.Now().UTC().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("seed due delayed promotion: %v", err)
	}

	if err := f.RunPromotionSweep(context.Background()); err != nil {
		t.Fatalf("RunPromotionSweep: %v", err)
	}
	updated, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, guest.ID)
	if err != nil || updated == nil || updated.Role != types.RoleMember {
		t.Fatalf("expected sweep to execute the due delayed promotion, got %#v err=%v", updated, err)
	}
}

// TestPromoteSuperAdmin_CapEnforcedUnlessFounder covers §8 Scenario C: a
// team of 4 members already has one super_admin; a second promotion
// attempt by an admin-level requester is denied with the exact cap
// message, and the same attempt succeeds when the requester holds
// Founder Rights.
func TestPromoteSuperAdmin_CapEnforcedUnlessFounder(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)
	mustAddMember(t, f, team.ID, founder.ID, types.RoleMember)

	existingSuperAdmin := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, existingSuperAdmin.ID, types.RoleSuperAdmin)

	requester := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, requester.ID, types.RoleAdmin)

	candidate := mustCreateUser(t, f, false)
	mustAddMember(t, f, team.ID, candidate.ID, types.RoleAdmin)

	// Team size 4: founder (as an ordinary member row), existing
	// super_admin, requester, candidate.
	decision, err := f.PromoteSuperAdmin(context.Background(), requester.ID, team.ID, candidate.ID)
	if err != nil {
		t.Fatalf("PromoteSuperAdmin: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected cap to deny a second super_admin, got %#v", decision)
	}
	wantReason := "maximum Super Admins (1/1 for team size 4)"
	if decision.Reason != wantReason {
		t.Fatalf("reason = %q, want %q", decision.Reason, wantReason)
	}
	unchanged, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, candidate.ID)
	if err != nil || unchanged == nil || unchanged.Role != types.RoleAdmin {
		t.Fatalf("expected candidate to remain admin after denial, got %#v err=%v", unchanged, err)
	}

	decision, err = f.PromoteSuperAdmin(context.Background(), founder.ID, team.ID, candidate.ID)
	if err != nil {
		t.Fatalf("PromoteSuperAdmin with Founder Rights: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected Founder Rights to bypass the cap, got %#v", decision)
	}
	promoted, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, candidate.ID)
	if err != nil || promoted == nil || promoted.Role != types.RoleSuperAdmin {
		t.Fatalf("expected candidate promoted to super_admin, got %#v err=%v", promoted, err)
	}
}

func TestPromoteTempSuperAdmin_StandsInForOfflineSuperAdmin(t *testing.T) {
	f, _ := newTestFabric(t)
	founder := mustCreateUser(t, f, true)
	team := mustCreateTeam(t, f, founder.ID)

	offlineSuperAdmin := mustCreateUser(t, f, false)
	staleLastSeen := time.Now().UTC().Add(-10 * time.Minute)
	if _, err := f.teamMemberRepo.Create(context.Background(), nil, &types.TeamMember{
		TeamID: team.ID, UserID: offlineSuperAdmin.ID, Role: types.RoleSuperAdmin,
		JoinedAt: staleLastSeen, LastSeen: staleLastSeen,
	}); err != nil {
		t.Fatalf("seed offline super admin: %v", err)
	}

	senior := mustCreateUser(t, f, false)
	seniorJoined := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := f.teamMemberRepo.Create(context.Background(), nil, &types.TeamMember{
		TeamID: team.ID, UserID: senior.ID, Role: types.RoleAdmin, JoinedAt: seniorJoined, LastSeen: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	temp, err := f.PromoteTempSuperAdmin(context.Background(), team.ID)
	if err != nil {
		t.Fatalf("PromoteTempSuperAdmin: %v", err)
	}
	if temp.PromotedAdminID != senior.ID {
		t.Fatalf("expected senior admin promoted, got %v", temp.PromotedAdminID)
	}

	member, err := f.teamMemberRepo.Get(context.Background(), nil, team.ID, senior.ID)
	if err != nil || member == nil || member.Role != types.RoleSuperAdmin {
		t.Fatalf("expected stand-in to hold super_admin role, got %#v err=%v", member, err)
	}

	if err := f.TerminateTempPromotion(context.Background(), founder.ID, team.ID, false); err != nil {
		t.Fatalf("TerminateTempPromotion revert: %v", err)
	}
	member, err = f.teamMemberRepo.Get(context.Background(), nil, team.ID, senior.ID)
	if err != nil || member == nil || member.Role != types.RoleAdmin {
		t.Fatalf("expected stand-in reverted to admin, got %#v err=%v", member, err)
	}
}

