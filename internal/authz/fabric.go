// Package authz implements spec.md §4.5's Authorization Fabric: the role
// ladder and Founder Rights (§4.5.1), the per-resource permission cascade
// (§4.5.2), the invite-code lifecycle (§4.5.3, invite.go), promotion
// mechanics (§4.5.4, promotion.go), and the append-only audit log
// (§4.5.5). Grounded on the teacher's internal/services layer shape (one
// struct per responsibility wrapping repos + a logger) rather than any
// single teacher file, since the teacher has no authorization component
// of its own — role/permission modeling is supplemented wholesale from
// spec.md and original_source/apps/backend/api/permissions.py.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/config"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/types"
)

// Decision is the outcome of a permission check, always paired with a
// human-readable reason per §4.5.2 for the audit trail.
type Decision struct {
	Allowed bool
	Reason  string
}

// roleRank orders the team role ladder for §4.5.1's strict ordering and
// the default-matrix minimum-role comparisons of §4.5.2.
var roleRank = map[string]int{
	types.RoleGuest:      0,
	types.RoleMember:     1,
	types.RoleAdmin:      2,
	types.RoleSuperAdmin: 3,
}

func rankOf(role string) int {
	if r, ok := roleRank[role]; ok {
		return r
	}
	return -1
}

// defaultMatrix is §4.5.2's default permission matrix: resource kind and
// permission_type mapped to the minimum team role required.
var defaultMatrix = map[types.PermissionResource]map[string]string{
	types.PermissionResourceWorkflow: {
		"view":   types.RoleMember,
		"edit":   types.RoleAdmin,
		"delete": types.RoleSuperAdmin,
		"assign": types.RoleAdmin,
	},
	types.PermissionResourceQueue: {
		"view":   types.RoleMember,
		"manage": types.RoleAdmin,
		"assign": types.RoleAdmin,
	},
	types.PermissionResourceVault: {
		"read":  types.RoleMember,
		"write": types.RoleAdmin,
		"admin": types.RoleAdmin,
	},
}

// Fabric is the Authorization Fabric contract of §4.5.
type Fabric interface {
	// CheckResourcePermission answers can(user, action, resource) for
	// workflow/queue/vault-item decisions via the §4.5.2 cascade, and
	// emits exactly one AuditEntry synchronously with the decision.
	CheckResourcePermission(ctx context.Context, actorID uuid.UUID, resource types.PermissionResource, resourceID string, teamID string, permissionType string, ip *string) (*Decision, error)
	// Grant records an explicit/job-role/team-role permission grant.
	Grant(ctx context.Context, actorID uuid.UUID, resource types.PermissionResource, resourceID string, teamID string, permissionType string, grantType string, grantValue string) (*types.ResourcePermission, error)
	// Revoke removes a previously recorded grant.
	Revoke(ctx context.Context, actorID uuid.UUID, grantID uuid.UUID) error
	// SuperAdminCap returns §4.5.1's step-function cap for a team of the
	// given size.
	SuperAdminCap(teamSize int) int

	InviteLifecycle
	PromotionMechanics
}

type fabric struct {
	db *gorm.DB
	log *logger.Logger
	cfg config.Config

	userRepo               repos.UserRepo
	teamRepo               repos.TeamRepo
	teamMemberRepo         repos.TeamMemberRepo
	resourcePermissionRepo repos.ResourcePermissionRepo
	inviteCodeRepo         repos.InviteCodeRepo
	inviteAttemptRepo      repos.InviteAttemptRepo
	delayedPromotionRepo   repos.DelayedPromotionRepo
	tempPromotionRepo      repos.TempPromotionRepo
	auditEntryRepo         repos.AuditEntryRepo
}

// New wires the Authorization Fabric over the app.db repos.
func New(
	db *gorm.DB,
	log *logger.Logger,
	cfg config.Config,
	userRepo repos.UserRepo,
	teamRepo repos.TeamRepo,
	teamMemberRepo repos.TeamMemberRepo,
	resourcePermissionRepo repos.ResourcePermissionRepo,
	inviteCodeRepo repos.InviteCodeRepo,
	inviteAttemptRepo repos.InviteAttemptRepo,
	delayedPromotionRepo repos.DelayedPromotionRepo,
	tempPromotionRepo repos.TempPromotionRepo,
	auditEntryRepo repos.AuditEntryRepo,
) Fabric {
	return &fabric{
		db:                     db,
		log:                    log.With("component", "authz.Fabric"),
		cfg:                    cfg,
		userRepo:               userRepo,
		teamRepo:               teamRepo,
		teamMemberRepo:         teamMemberRepo,
		resourcePermissionRepo: resourcePermissionRepo,
		inviteCodeRepo:         inviteCodeRepo,
		inviteAttemptRepo:      inviteAttemptRepo,
		delayedPromotionRepo:   delayedPromotionRepo,
		tempPromotionRepo:      tempPromotionRepo,
		auditEntryRepo:         auditEntryRepo,
	}
}

func (f *fabric) SuperAdminCap(teamSize int) int {
	switch {
	case teamSize <= 5:
		return 1
	case teamSize <= 15:
		return 2
	case teamSize <= 30:
		return 3
	case teamSize <= 50:
		return 4
	default:
		return 5
	}
}

// effectiveSuperAdminCount excludes members whose super_admin role is
// only a live TempPromotion (§4.5.4: "until termination, super-admin-count
// invariants ignore the temp row for the purpose of the maximum-count
// check").
func (f *fabric) effectiveSuperAdminCount(ctx context.Context, teamID string) (int64, error) {
	count, err := f.teamMemberRepo.CountByTeamAndRole(ctx, nil, teamID, types.RoleSuperAdmin)
	if err != nil {
		return 0, err
	}
	temp, err := f.tempPromotionRepo.GetActiveByTeam(ctx, nil, teamID)
	if err != nil {
		return 0, err
	}
	if temp != nil && count > 0 {
		count--
	}
	return count, nil
}

func (f *fabric) isFounder(ctx context.Context, userID uuid.UUID) (bool, error) {
	users, err := f.userRepo.GetByIDs(ctx, nil, []uuid.UUID{userID})
	if err != nil {
		return false, err
	}
	if len(users) == 0 {
		return false, nil
	}
	return users[0].IsFounder, nil
}

func (f *fabric) CheckResourcePermission(ctx context.Context, actorID uuid.UUID, resource types.PermissionResource, resourceID string, teamID string, permissionType string, ip *string) (*Decision, error) {
	decision, evalErr := f.evaluateResourcePermission(ctx, actorID, resource, resourceID, teamID, permissionType)
	if evalErr != nil {
		return nil, evalErr
	}

	resourceStr := string(resource)
	if err := f.auditResource(ctx, actorID, "authz.check", ip, &resourceStr, &resourceID, map[string]interface{}{
		"team_id":         teamID,
		"permission_type": permissionType,
		"allowed":         decision.Allowed,
		"reason":          decision.Reason,
	}); err != nil {
		return nil, err
	}
	return decision, nil
}

func (f *fabric) evaluateResourcePermission(ctx context.Context, actorID uuid.UUID, resource types.PermissionResource, resourceID string, teamID string, permissionType string) (*Decision, error) {
	founder, err := f.isFounder(ctx, actorID)
	if err != nil {
		return nil, apierr.Store("authz.founder_lookup", "failed to resolve actor", err)
	}
	if founder {
		return &Decision{Allowed: true, Reason: "Founder Rights"}, nil
	}

	member, err := f.teamMemberRepo.Get(ctx, nil, teamID, actorID)
	if err != nil {
		return nil, apierr.Store("authz.member_lookup", "failed to resolve team membership", err)
	}
	actorRole, jobRole := "", ""
	if member != nil {
		actorRole, jobRole = member.Role, member.JobRole
	}

	grants, err := f.resourcePermissionRepo.ListForResource(ctx, nil, resource, resourceID, teamID)
	if err != nil {
		return nil, apierr.Store("authz.grant_lookup", "failed to load resource permissions", err)
	}

	for _, g := range grants {
		if g.GrantType == types.GrantTypeUser && g.PermissionType == permissionType && g.GrantValue == actorID.String() {
			return &Decision{Allowed: true, Reason: "Explicit user grant"}, nil
		}
	}
	if jobRole != "" {
		for _, g := range grants {
			if g.GrantType == types.GrantTypeJobRole && g.PermissionType == permissionType && g.GrantValue == jobRole {
				return &Decision{Allowed: true, Reason: fmt.Sprintf("Job role grant (%s)", jobRole)}, nil
			}
		}
	}
	if actorRole != "" {
		for _, g := range grants {
			if g.GrantType == types.GrantTypeRole && g.PermissionType == permissionType && g.GrantValue == actorRole {
				return &Decision{Allowed: true, Reason: fmt.Sprintf("Team role grant (%s)", actorRole)}, nil
			}
		}
	}

	if len(grants) > 0 {
		return &Decision{Allowed: false, Reason: "Explicit grants exist for this resource and none matched"}, nil
	}

	minRole, ok := defaultMatrix[resource][permissionType]
	if !ok {
		return &Decision{Allowed: false, Reason: fmt.Sprintf("Default: no matrix entry for %s.%s", resource, permissionType)}, nil
	}
	if rankOf(actorRole) >= rankOf(minRole) {
		return &Decision{Allowed: true, Reason: fmt.Sprintf("Default: %s+ can %s", minRole, permissionType)}, nil
	}
	return &Decision{Allowed: false, Reason: fmt.Sprintf("Default: only %s and above can %s", minRole, permissionType)}, nil
}

func (f *fabric) Grant(ctx context.Context, actorID uuid.UUID, resource types.PermissionResource, resourceID string, teamID string, permissionType string, grantType string, grantValue string) (*types.ResourcePermission, error) {
	perm := &types.ResourcePermission{
		Resource:       resource,
		ResourceID:     resourceID,
		TeamID:         teamID,
		PermissionType: permissionType,
		GrantType:      grantType,
		GrantValue:     grantValue,
		CreatedAt:      time.Now().UTC(),
		CreatedBy:      actorID,
	}
	created, err := f.resourcePermissionRepo.Create(ctx, nil, perm)
	if err != nil {
		return nil, apierr.Store("authz.grant_create", "failed to record permission grant", err)
	}
	if err := f.audit(ctx, actorID, "authz.grant", nil, map[string]interface{}{
		"resource": resource, "resource_id": resourceID, "team_id": teamID,
		"permission_type": permissionType, "grant_type": grantType, "grant_value": grantValue,
	}); err != nil {
		return nil, err
	}
	return created, nil
}

func (f *fabric) Revoke(ctx context.Context, actorID uuid.UUID, grantID uuid.UUID) error {
	if err := f.resourcePermissionRepo.Delete(ctx, nil, grantID); err != nil {
		return apierr.Store("authz.grant_delete", "failed to revoke permission grant", err)
	}
	return f.audit(ctx, actorID, "authz.revoke", nil, map[string]interface{}{"grant_id": grantID})
}

// audit persists exactly one AuditEntry per fabric call, synchronously
// with the decision (§4.5.5) — the caller does not receive its answer
// until this returns.
func (f *fabric) audit(ctx context.Context, userID uuid.UUID, action string, ip *string, details map[string]interface{}) error {
	return f.auditResource(ctx, userID, action, ip, nil, nil, details)
}

func (f *fabric) auditResource(ctx context.Context, userID uuid.UUID, action string, ip *string, resource *string, resourceID *string, details map[string]interface{}) error {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = []byte("{}")
	}
	entry := &types.AuditEntry{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IP:         ip,
		Details:    datatypes.JSON(raw),
		Timestamp:  time.Now().UTC(),
	}
	if _, err := f.auditEntryRepo.Create(ctx, nil, entry); err != nil {
		return apierr.Store("authz.audit_write", "failed to persist audit entry", err)
	}
	return nil
}
