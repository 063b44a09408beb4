package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/requestdata"
	"github.com/nullspire/opencircle/internal/sse"
	"github.com/nullspire/opencircle/internal/types"
)

// TeamHandler covers team creation/membership listing (plain CRUD, not
// part of the Authorization Fabric's own contract) plus the invite and
// promotion mechanics the fabric does own.
type TeamHandler struct {
	fabric      authz.Fabric
	teamRepo    repos.TeamRepo
	teamMembers repos.TeamMemberRepo
	hub         *sse.SSEHub
}

func NewTeamHandler(fabric authz.Fabric, teamRepo repos.TeamRepo, teamMembers repos.TeamMemberRepo, hub *sse.SSEHub) *TeamHandler {
	return &TeamHandler{fabric: fabric, teamRepo: teamRepo, teamMembers: teamMembers, hub: hub}
}

// CreateTeam creates the team row and seats its creator as super_admin —
// an Open Question the spec leaves implicit: the founder of a team needs
// some starting role to invite and promote others, and super_admin is the
// natural fit since §4.5.1's ladder treats it as the team-local ceiling
// below founder rights.
func (h *TeamHandler) CreateTeam(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	if req.Name == "" {
		RespondError(c, http.StatusBadRequest, "validation.missing_name", nil)
		return
	}

	now := time.Now().UTC()
	team := &types.Team{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		CreatedBy:   rd.UserID,
	}
	created, err := h.teamRepo.Create(c.Request.Context(), nil, team)
	if err != nil {
		RespondAPIErr(c, apierr.Store("team.create", "failed to create team", err))
		return
	}

	if _, err := h.teamMembers.Create(c.Request.Context(), nil, &types.TeamMember{
		TeamID:   created.ID,
		UserID:   rd.UserID,
		Role:     types.RoleSuperAdmin,
		JoinedAt: now,
		LastSeen: now,
	}); err != nil {
		RespondAPIErr(c, apierr.Store("team.seat_creator", "failed to seat team creator", err))
		return
	}
	RespondOK(c, created)
}

func (h *TeamHandler) ListMembers(c *gin.Context) {
	teamID := c.Param("id")
	members, err := h.teamMembers.ListByTeam(c.Request.Context(), nil, teamID)
	if err != nil {
		RespondAPIErr(c, apierr.Store("team.list_members", "failed to list team members", err))
		return
	}
	RespondOK(c, members)
}

func (h *TeamHandler) CreateInvite(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	teamID := c.Param("id")
	invite, err := h.fabric.CreateInvite(c.Request.Context(), rd.UserID, teamID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, invite)
}

func (h *TeamHandler) RedeemInvite(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	member, err := h.fabric.RedeemInvite(c.Request.Context(), req.Code, c.ClientIP(), rd.UserID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	h.hub.Broadcast(sse.SSEMessage{
		Channel: "team:" + member.TeamID,
		Event:   sse.SSEEventInviteRedeemed,
		Data:    member,
	})
	RespondOK(c, member)
}

// PromoteMember handles §4.5.4's two non-automatic guest→member paths:
// "mode":"instant" requires the requester to hold admin+ (or Founder
// Rights) and applies the role change immediately; "mode":"delayed"
// schedules a DelayedPromotion for RunPromotionSweep to execute once
// its cooldown elapses (the decoy-ceremony-triggered path).
func (h *TeamHandler) PromoteMember(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	teamID := c.Param("id")
	var req struct {
		Mode   string `json:"mode"`
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_user_id", err)
		return
	}

	switch req.Mode {
	case "instant":
		if err := h.fabric.PromoteInstant(c.Request.Context(), rd.UserID, teamID, userID); err != nil {
			RespondAPIErr(c, err)
			return
		}
		h.hub.Broadcast(sse.SSEMessage{
			Channel: "team:" + teamID,
			Event:   sse.SSEEventTeamMemberPromoted,
			Data:    gin.H{"team_id": teamID, "user_id": userID, "mode": "instant"},
		})
		RespondOK(c, gin.H{"ok": true})
	case "delayed":
		promotion, err := h.fabric.ScheduleDelayedPromotion(c.Request.Context(), teamID, userID, req.Reason)
		if err != nil {
			RespondAPIErr(c, err)
			return
		}
		RespondOK(c, promotion)
	default:
		RespondError(c, http.StatusBadRequest, "validation.invalid_mode", nil)
	}
}

// PromoteSuperAdmin enforces §4.5.1's MaxSuperAdmins cap before
// promoting an admin to permanent super_admin; a cap denial comes back
// as a 200 with an unallowed Decision, not an error status, matching
// CheckResourcePermission's own "(false, reason)" shape.
func (h *TeamHandler) PromoteSuperAdmin(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	teamID := c.Param("id")
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_user_id", err)
		return
	}

	decision, err := h.fabric.PromoteSuperAdmin(c.Request.Context(), rd.UserID, teamID, userID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	if decision.Allowed {
		h.hub.Broadcast(sse.SSEMessage{
			Channel: "team:" + teamID,
			Event:   sse.SSEEventTeamMemberPromoted,
			Data:    gin.H{"team_id": teamID, "user_id": userID, "mode": "super_admin"},
		})
	}
	RespondOK(c, decision)
}

func (h *TeamHandler) PromoteTempSuperAdmin(c *gin.Context) {
	teamID := c.Param("id")
	promotion, err := h.fabric.PromoteTempSuperAdmin(c.Request.Context(), teamID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	h.hub.Broadcast(sse.SSEMessage{
		Channel: "team:" + teamID,
		Event:   sse.SSEEventTeamMemberPromoted,
		Data:    promotion,
	})
	RespondOK(c, promotion)
}

func (h *TeamHandler) TerminateTempPromotion(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	teamID := c.Param("id")
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	if err := h.fabric.TerminateTempPromotion(c.Request.Context(), rd.UserID, teamID, req.Approve); err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}
