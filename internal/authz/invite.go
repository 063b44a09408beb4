package authz

import (
	"context"
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/types"
)

const (
	inviteCodeAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I, avoids visual ambiguity
	inviteCodeGroupLen   = 5
	inviteCodeGroupCount = 3
	inviteCodeMaxAttemptsUnique = 20
)

// InviteLifecycle implements §4.5.3.
type InviteLifecycle interface {
	// CreateInvite atomically retires every previously active code for
	// teamID and issues a fresh one.
	CreateInvite(ctx context.Context, actorID uuid.UUID, teamID string) (*types.InviteCode, error)
	// RedeemInvite validates and consumes code for userID, enforcing the
	// (code, ip) brute-force lockout. On success the caller joins the
	// team as a guest (§4.5.4's promotion paths take it from there).
	RedeemInvite(ctx context.Context, code string, ip string, userID uuid.UUID) (*types.TeamMember, error)
}

func generateInviteCode() (string, error) {
	groups := make([]string, inviteCodeGroupCount)
	for g := 0; g < inviteCodeGroupCount; g++ {
		buf := make([]byte, inviteCodeGroupLen)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		var b strings.Builder
		for _, v := range buf {
			b.WriteByte(inviteCodeAlphabet[int(v)%len(inviteCodeAlphabet)])
		}
		groups[g] = b.String()
	}
	return strings.Join(groups, "-"), nil
}

func (f *fabric) CreateInvite(ctx context.Context, actorID uuid.UUID, teamID string) (*types.InviteCode, error) {
	now := time.Now().UTC()

	var code string
	for attempt := 0; ; attempt++ {
		if attempt >= inviteCodeMaxAttemptsUnique {
			return nil, apierr.Internal("authz.invite_code_exhausted", "could not generate a unique invite code", nil)
		}
		candidate, err := generateInviteCode()
		if err != nil {
			return nil, apierr.Internal("authz.invite_code_random", "failed to generate invite code", err)
		}
		existing, err := f.inviteCodeRepo.GetByCode(ctx, nil, candidate)
		if err != nil {
			return nil, apierr.Store("authz.invite_code_lookup", "failed to check invite code uniqueness", err)
		}
		if existing == nil {
			code = candidate
			break
		}
	}

	var created *types.InviteCode
	txErr := f.db.Transaction(func(tx *gorm.DB) error {
		if err := f.inviteCodeRepo.MarkActiveCodesUsedForTeam(ctx, tx, teamID, now); err != nil {
			return apierr.Store("authz.invite_retire", "failed to retire prior invite codes", err)
		}
		invite := &types.InviteCode{
			Code:      code,
			TeamID:    teamID,
			CreatedAt: now,
			ExpiresAt: now.AddDate(0, 0, f.cfg.InviteCodeTTLDays),
			Used:      false,
		}
		out, err := f.inviteCodeRepo.Create(ctx, tx, invite)
		if err != nil {
			return apierr.Store("authz.invite_create", "failed to create invite code", err)
		}
		created = out
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if err := f.audit(ctx, actorID, "invite.create", nil, map[string]interface{}{"team_id": teamID}); err != nil {
		return nil, err
	}
	return created, nil
}

func (f *fabric) RedeemInvite(ctx context.Context, code string, ip string, userID uuid.UUID) (*types.TeamMember, error) {
	now := time.Now().UTC()
	windowStart := now.Add(-f.cfg.InviteLockoutWindow)

	failedCount, err := f.inviteAttemptRepo.CountFailedSince(ctx, nil, code, ip, windowStart)
	if err != nil {
		return nil, apierr.Store("authz.invite_attempt_count", "failed to check invite attempt history", err)
	}
	if failedCount >= int64(f.cfg.InviteLockoutMaxAttempts) {
		// Locked: do not consult the code table at all (§4.5.3) — the
		// attempt log entry carries no team_id as a result.
		f.recordInviteAttempt(ctx, "", code, ip, &userID, false)
		return nil, apierr.Authz("authz.invite_locked", "too many invalid attempts for this code", nil)
	}

	invite, err := f.inviteCodeRepo.GetByCode(ctx, nil, code)
	if err != nil {
		return nil, apierr.Store("authz.invite_lookup", "failed to look up invite code", err)
	}
	if invite == nil || invite.Used || now.After(invite.ExpiresAt) {
		teamID := ""
		if invite != nil {
			teamID = invite.TeamID
		}
		f.recordInviteAttempt(ctx, teamID, code, ip, &userID, false)
		return nil, apierr.Authz("authz.invite_invalid", "invite code is invalid or expired", nil)
	}

	won, err := f.inviteCodeRepo.MarkUsed(ctx, nil, code, userID, now)
	if err != nil {
		return nil, apierr.Store("authz.invite_consume", "failed to consume invite code", err)
	}
	if !won {
		f.recordInviteAttempt(ctx, invite.TeamID, code, ip, &userID, false)
		return nil, apierr.Conflict("authz.invite_race_lost", "invite code was already redeemed", nil)
	}

	member, err := f.teamMemberRepo.Create(ctx, nil, &types.TeamMember{
		TeamID:   invite.TeamID,
		UserID:   userID,
		Role:     types.RoleGuest,
		JoinedAt: now,
		LastSeen: now,
	})
	if err != nil {
		return nil, apierr.Store("authz.invite_member_create", "failed to add team member", err)
	}

	f.recordInviteAttempt(ctx, invite.TeamID, code, ip, &userID, true)
	if err := f.audit(ctx, userID, "invite.redeem", &ip, map[string]interface{}{"team_id": invite.TeamID}); err != nil {
		return nil, err
	}
	return member, nil
}

func (f *fabric) recordInviteAttempt(ctx context.Context, teamID string, code string, ip string, userID *uuid.UUID, succeeded bool) {
	_, err := f.inviteAttemptRepo.Create(ctx, nil, &types.InviteAttempt{
		TeamID:    teamID,
		UserID:    userID,
		Code:      code,
		IP:        ip,
		Succeeded: succeeded,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		f.log.Warn("failed to record invite attempt", "err", err)
	}
}
