package handlers

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/requestdata"
	"github.com/nullspire/opencircle/internal/vault"
)

// VaultHandler exposes vault.Vault's team-scoped encrypted item store.
type VaultHandler struct {
	v vault.Vault
}

func NewVaultHandler(v vault.Vault) *VaultHandler {
	return &VaultHandler{v: v}
}

func (h *VaultHandler) Put(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	var req struct {
		TeamID       string                 `json:"team_id"`
		Name         string                 `json:"name"`
		Type         string                 `json:"type"`
		PlaintextB64 string                 `json:"plaintext_base64"`
		MimeType     *string                `json:"mime_type"`
		Metadata     map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.PlaintextB64)
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_plaintext_encoding", err)
		return
	}
	item, err := h.v.Put(c.Request.Context(), rd.UserID, req.TeamID, req.Name, req.Type, plaintext, req.MimeType, req.Metadata)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, item)
}

func (h *VaultHandler) Get(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_item_id", err)
		return
	}
	item, err := h.v.Get(c.Request.Context(), rd.UserID, itemID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, item)
}

func (h *VaultHandler) List(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	teamID := c.Query("team_id")
	includeTrash := c.Query("include_trash") == "true"
	items, err := h.v.List(c.Request.Context(), rd.UserID, teamID, includeTrash)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, items)
}

func (h *VaultHandler) Update(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_item_id", err)
		return
	}
	var req struct {
		Name         *string                `json:"name"`
		PlaintextB64 *string                `json:"plaintext_base64"`
		Metadata     map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	var plaintext []byte
	if req.PlaintextB64 != nil {
		decoded, err := base64.StdEncoding.DecodeString(*req.PlaintextB64)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "validation.invalid_plaintext_encoding", err)
			return
		}
		plaintext = decoded
	}
	item, err := h.v.Update(c.Request.Context(), rd.UserID, itemID, req.Name, plaintext, req.Metadata)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, item)
}

func (h *VaultHandler) Tag(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_item_id", err)
		return
	}
	var req struct {
		Tags map[string]interface{} `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	item, err := h.v.Tag(c.Request.Context(), rd.UserID, itemID, req.Tags)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, item)
}

func (h *VaultHandler) Trash(c *gin.Context) {
	h.runItemOp(c, h.v.Trash)
}

func (h *VaultHandler) Restore(c *gin.Context) {
	h.runItemOp(c, h.v.Restore)
}

func (h *VaultHandler) Purge(c *gin.Context) {
	h.runItemOp(c, h.v.Purge)
}

// runItemOp backs the three no-body, item-id-only vault operations.
func (h *VaultHandler) runItemOp(c *gin.Context, op func(ctx context.Context, actorID uuid.UUID, itemID uuid.UUID) error) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	itemID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_item_id", err)
		return
	}
	if err := op(c.Request.Context(), rd.UserID, itemID); err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, gin.H{"ok": true})
}
