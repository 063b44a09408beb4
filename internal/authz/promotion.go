package authz

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/types"
)

// PromotionMechanics implements §4.5.4's three guest→member promotion
// paths plus the admin→super_admin offline failsafe.
type PromotionMechanics interface {
	// PromoteInstant requires the actor to hold admin+ (or Founder
	// Rights) in teamID; effective immediately.
	PromoteInstant(ctx context.Context, actorID uuid.UUID, teamID string, userID uuid.UUID) error
	// ScheduleDelayedPromotion records a DelayedPromotion, to be executed
	// by RunPromotionSweep once its ExecuteAt has passed.
	ScheduleDelayedPromotion(ctx context.Context, teamID string, userID uuid.UUID, reason string) (*types.DelayedPromotion, error)
	// RunPromotionSweep executes due DelayedPromotions and promotes
	// guests who have aged past the automatic-promotion threshold.
	// Invoked by external scheduling (§6), not by request handlers.
	RunPromotionSweep(ctx context.Context) error
	// PromoteTempSuperAdmin installs the offline-super-admin failsafe:
	// the most senior admin stands in for an offline super_admin.
	PromoteTempSuperAdmin(ctx context.Context, teamID string) (*types.TempPromotion, error)
	// TerminateTempPromotion ends an active TempPromotion: "approve"
	// makes the promotion permanent, "revert" demotes back to admin.
	TerminateTempPromotion(ctx context.Context, actorID uuid.UUID, teamID string, approve bool) error
	// PromoteSuperAdmin promotes an admin to permanent super_admin,
	// enforcing §4.5.1's MaxSuperAdmins(team_size) cap unless the
	// requester holds Founder Rights. A denial is returned as a
	// not-allowed Decision, not an error, so the caller sees the same
	// "(false, reason)" shape as CheckResourcePermission.
	PromoteSuperAdmin(ctx context.Context, actorID uuid.UUID, teamID string, userID uuid.UUID) (*Decision, error)
}

func (f *fabric) PromoteInstant(ctx context.Context, actorID uuid.UUID, teamID string, userID uuid.UUID) error {
	founder, err := f.isFounder(ctx, actorID)
	if err != nil {
		return apierr.Store("authz.founder_lookup", "failed to resolve actor", err)
	}
	if !founder {
		actor, err := f.teamMemberRepo.Get(ctx, nil, teamID, actorID)
		if err != nil {
			return apierr.Store("authz.member_lookup", "failed to resolve actor membership", err)
		}
		if actor == nil || rankOf(actor.Role) < rankOf(types.RoleAdmin) {
			return apierr.Authz("authz.promote_instant_denied", "requires admin approval authenticated by the real ceremony", nil)
		}
	}

	target, err := f.teamMemberRepo.Get(ctx, nil, teamID, userID)
	if err != nil {
		return apierr.Store("authz.member_lookup", "failed to resolve target membership", err)
	}
	if target == nil || target.Role != types.RoleGuest {
		return apierr.Validation("authz.promote_instant_not_guest", "only guests can be promoted to member", nil)
	}

	if err := f.teamMemberRepo.UpdateRole(ctx, nil, teamID, userID, types.RoleMember); err != nil {
		return apierr.Store("authz.promote_instant_update", "failed to update member role", err)
	}
	return f.audit(ctx, actorID, "promotion.instant", nil, map[string]interface{}{"team_id": teamID, "user_id": userID})
}

func (f *fabric) PromoteSuperAdmin(ctx context.Context, actorID uuid.UUID, teamID string, userID uuid.UUID) (*Decision, error) {
	founder, err := f.isFounder(ctx, actorID)
	if err != nil {
		return nil, apierr.Store("authz.founder_lookup", "failed to resolve actor", err)
	}
	if !founder {
		actor, err := f.teamMemberRepo.Get(ctx, nil, teamID, actorID)
		if err != nil {
			return nil, apierr.Store("authz.member_lookup", "failed to resolve actor membership", err)
		}
		if actor == nil || rankOf(actor.Role) < rankOf(types.RoleAdmin) {
			return nil, apierr.Authz("authz.promote_super_admin_denied", "requires admin approval or Founder Rights", nil)
		}
	}

	target, err := f.teamMemberRepo.Get(ctx, nil, teamID, userID)
	if err != nil {
		return nil, apierr.Store("authz.member_lookup", "failed to resolve target membership", err)
	}
	if target == nil || target.Role != types.RoleAdmin {
		return nil, apierr.Validation("authz.promote_super_admin_not_admin", "only admins can be promoted to super_admin", nil)
	}

	if !founder {
		members, err := f.teamMemberRepo.ListByTeam(ctx, nil, teamID)
		if err != nil {
			return nil, apierr.Store("authz.member_list", "failed to list team members", err)
		}
		teamSize := len(members)
		maxSuperAdmins := f.SuperAdminCap(teamSize)
		count, err := f.effectiveSuperAdminCount(ctx, teamID)
		if err != nil {
			return nil, apierr.Store("authz.super_admin_count", "failed to count active super admins", err)
		}
		if count >= int64(maxSuperAdmins) {
			decision := &Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("maximum Super Admins (%d/%d for team size %d)", count, maxSuperAdmins, teamSize),
			}
			if err := f.audit(ctx, actorID, "promotion.super_admin_denied", nil, map[string]interface{}{
				"team_id": teamID, "user_id": userID, "reason": decision.Reason,
			}); err != nil {
				return nil, err
			}
			return decision, nil
		}
	}

	if err := f.teamMemberRepo.UpdateRole(ctx, nil, teamID, userID, types.RoleSuperAdmin); err != nil {
		return nil, apierr.Store("authz.promote_super_admin_update", "failed to update member role", err)
	}
	decision := &Decision{Allowed: true, Reason: "Promoted to super_admin"}
	if err := f.audit(ctx, actorID, "promotion.super_admin", nil, map[string]interface{}{
		"team_id": teamID, "user_id": userID,
	}); err != nil {
		return nil, err
	}
	return decision, nil
}

func (f *fabric) ScheduleDelayedPromotion(ctx context.Context, teamID string, userID uuid.UUID, reason string) (*types.DelayedPromotion, error) {
	existing, err := f.delayedPromotionRepo.GetPendingForMember(ctx, nil, teamID, userID)
	if err != nil {
		return nil, apierr.Store("authz.delayed_lookup", "failed to check pending promotion", err)
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	promotion := &types.DelayedPromotion{
		TeamID:      teamID,
		UserID:      userID,
		FromRole:    types.RoleGuest,
		ToRole:      types.RoleMember,
		ScheduledAt: now,
		ExecuteAt:   now.AddDate(0, 0, f.cfg.DelayedPromotionDays),
		Reason:      reason,
	}
	created, err := f.delayedPromotionRepo.Create(ctx, nil, promotion)
	if err != nil {
		return nil, apierr.Store("authz.delayed_create", "failed to schedule delayed promotion", err)
	}
	if err := f.audit(ctx, userID, "promotion.delayed_schedule", nil, map[string]interface{}{
		"team_id": teamID, "execute_at": created.ExecuteAt,
	}); err != nil {
		return nil, err
	}
	return created, nil
}

func (f *fabric) RunPromotionSweep(ctx context.Context) error {
	now := time.Now().UTC()

	due, err := f.delayedPromotionRepo.ListDue(ctx, nil, now)
	if err != nil {
		return apierr.Store("authz.sweep_list_due", "failed to list due delayed promotions", err)
	}
	for _, d := range due {
		if err := f.teamMemberRepo.UpdateRole(ctx, nil, d.TeamID, d.UserID, d.ToRole); err != nil {
			f.log.Warn("delayed promotion role update failed", "team_id", d.TeamID, "user_id", d.UserID, "err", err)
			continue
		}
		if err := f.delayedPromotionRepo.MarkExecuted(ctx, nil, d.ID, now); err != nil {
			f.log.Warn("delayed promotion mark-executed failed", "id", d.ID, "err", err)
			continue
		}
		if err := f.audit(ctx, d.UserID, "promotion.delayed_execute", nil, map[string]interface{}{"team_id": d.TeamID}); err != nil {
			f.log.Warn("delayed promotion audit failed", "id", d.ID, "err", err)
		}
	}

	cutoff := now.AddDate(0, 0, -f.cfg.AutoPromotionDays)
	guests, err := f.teamMemberRepo.ListGuestsJoinedBefore(ctx, nil, cutoff)
	if err != nil {
		return apierr.Store("authz.sweep_list_guests", "failed to list aged guests", err)
	}
	for _, g := range guests {
		if err := f.teamMemberRepo.UpdateRole(ctx, nil, g.TeamID, g.UserID, types.RoleMember); err != nil {
			f.log.Warn("automatic promotion role update failed", "team_id", g.TeamID, "user_id", g.UserID, "err", err)
			continue
		}
		if err := f.audit(ctx, g.UserID, "promotion.automatic", nil, map[string]interface{}{"team_id": g.TeamID}); err != nil {
			f.log.Warn("automatic promotion audit failed", "team_id", g.TeamID, "user_id", g.UserID, "err", err)
		}
	}
	return nil
}

func (f *fabric) PromoteTempSuperAdmin(ctx context.Context, teamID string) (*types.TempPromotion, error) {
	active, err := f.tempPromotionRepo.GetActiveByTeam(ctx, nil, teamID)
	if err != nil {
		return nil, apierr.Store("authz.temp_lookup", "failed to check active temp promotion", err)
	}
	if active != nil {
		return nil, apierr.Conflict("authz.temp_already_active", "a temp promotion is already active for this team", nil)
	}

	members, err := f.teamMemberRepo.ListByTeam(ctx, nil, teamID)
	if err != nil {
		return nil, apierr.Store("authz.member_list", "failed to list team members", err)
	}

	now := time.Now().UTC()
	var offlineSuperAdmin *types.TeamMember
	for _, m := range members {
		if m.Role == types.RoleSuperAdmin && now.Sub(m.LastSeen) > f.cfg.OfflineSuperAdminThreshold {
			if offlineSuperAdmin == nil || m.LastSeen.Before(offlineSuperAdmin.LastSeen) {
				offlineSuperAdmin = m
			}
		}
	}
	if offlineSuperAdmin == nil {
		return nil, apierr.Validation("authz.temp_no_offline_super_admin", "no offline super_admin found for this team", nil)
	}

	var admins []*types.TeamMember
	for _, m := range members {
		if m.Role == types.RoleAdmin {
			admins = append(admins, m)
		}
	}
	if len(admins) == 0 {
		return nil, apierr.Validation("authz.temp_no_admin", "no admin available to stand in", nil)
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].JoinedAt.Before(admins[j].JoinedAt) })
	senior := admins[0]

	temp, err := f.tempPromotionRepo.Create(ctx, nil, &types.TempPromotion{
		TeamID:               teamID,
		OriginalSuperAdminID: offlineSuperAdmin.UserID,
		PromotedAdminID:      senior.UserID,
		Status:               types.TempPromotionActive,
		PromotedAt:           now,
	})
	if err != nil {
		return nil, apierr.Store("authz.temp_create", "failed to create temp promotion", err)
	}
	if err := f.teamMemberRepo.UpdateRole(ctx, nil, teamID, senior.UserID, types.RoleSuperAdmin); err != nil {
		return nil, apierr.Store("authz.temp_role_update", "failed to elevate stand-in admin", err)
	}

	if err := f.audit(ctx, senior.UserID, "promotion.temp_super_admin", nil, map[string]interface{}{
		"team_id": teamID, "original_super_admin_id": offlineSuperAdmin.UserID,
	}); err != nil {
		return nil, err
	}
	return temp, nil
}

func (f *fabric) TerminateTempPromotion(ctx context.Context, actorID uuid.UUID, teamID string, approve bool) error {
	active, err := f.tempPromotionRepo.GetActiveByTeam(ctx, nil, teamID)
	if err != nil {
		return apierr.Store("authz.temp_lookup", "failed to look up active temp promotion", err)
	}
	if active == nil {
		return apierr.NotFound("authz.temp_not_found", "no active temp promotion for this team", nil)
	}

	now := time.Now().UTC()
	action := "promotion.temp_revert"
	if approve {
		if err := f.tempPromotionRepo.UpdateStatus(ctx, nil, active.ID, types.TempPromotionApproved, nil, &actorID); err != nil {
			return apierr.Store("authz.temp_update", "failed to approve temp promotion", err)
		}
		action = "promotion.temp_approve"
	} else {
		if err := f.teamMemberRepo.UpdateRole(ctx, nil, teamID, active.PromotedAdminID, types.RoleAdmin); err != nil {
			return apierr.Store("authz.temp_demote", "failed to demote stand-in admin", err)
		}
		if err := f.tempPromotionRepo.UpdateStatus(ctx, nil, active.ID, types.TempPromotionReverted, &now, nil); err != nil {
			return apierr.Store("authz.temp_update", "failed to revert temp promotion", err)
		}
	}
	return f.audit(ctx, actorID, action, nil, map[string]interface{}{"team_id": teamID, "temp_promotion_id": active.ID})
}
