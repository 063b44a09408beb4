package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/chat"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/requestdata"
	"github.com/nullspire/opencircle/internal/semanticindex"
)

// ChatHandler exposes §6.2's session and send-message surface over
// memory.Store and chat.Orchestrator, plus §4.3's search operation over
// the Semantic Index.
type ChatHandler struct {
	mem   memory.Store
	orch  chat.Orchestrator
	index semanticindex.Index
}

func NewChatHandler(mem memory.Store, orch chat.Orchestrator, index semanticindex.Index) *ChatHandler {
	return &ChatHandler{mem: mem, orch: orch, index: index}
}

const defaultSearchLimit = 10

// Search exposes §4.3's Index.Search / §8 Scenario E as "GET
// /sessions/search?q=...&limit=...&similarity_threshold=...". Results are
// scoped to the caller (ownerUserID), matching CheckResourcePermission's
// convention of deriving a principal from requestdata rather than a
// request parameter.
func (h *ChatHandler) Search(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	query := c.Query("q")
	if query == "" {
		RespondError(c, http.StatusBadRequest, "validation.missing_query", nil)
		return
	}
	limit := defaultSearchLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			RespondError(c, http.StatusBadRequest, "validation.invalid_limit", err)
			return
		}
		limit = parsed
	}
	var threshold *float64
	if raw := c.Query("similarity_threshold"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			RespondError(c, http.StatusBadRequest, "validation.invalid_similarity_threshold", err)
			return
		}
		threshold = &parsed
	}

	hits, err := h.index.Search(c.Request.Context(), query, limit, rd.UserID, threshold)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, hits)
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	var req struct {
		Title        string  `json:"title"`
		DefaultModel string  `json:"default_model"`
		TeamID       *string `json:"team_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}
	session, err := h.mem.CreateSession(c.Request.Context(), rd.UserID, req.TeamID, req.Title, req.DefaultModel)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	sessions, err := h.mem.ListSessionsByOwner(c.Request.Context(), rd.UserID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, sessions)
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_session_id", err)
		return
	}
	session, err := h.mem.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, session)
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_session_id", err)
		return
	}
	if err := h.mem.DeleteSession(c.Request.Context(), sessionID); err != nil {
		RespondAPIErr(c, err)
		return
	}
	RespondOK(c, gin.H{"deleted": true})
}

// SendMessage streams §4.6's send_message sequence back to the client as
// the §6.2 SSE frames: "data: [START]", then "data: {"content":...}" per
// delta, then a terminal "data: {"done":true,"message_id":...}" or
// "data: {"error":...}" on failure. Kept as a thin adapter over
// chat.Orchestrator — the orchestrator itself never touches
// http.ResponseWriter.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_session_id", err)
		return
	}
	var req struct {
		Content       string  `json:"content"`
		ModelOverride *string `json:"model_override"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "validation.invalid_body", err)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		RespondError(c, http.StatusInternalServerError, "internal.no_flush_support", nil)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	fmt.Fprint(c.Writer, "data: [START]\n\n")
	flusher.Flush()

	clientGone := c.Request.Context().Done()
	var emittedTerminal bool

	err = h.orch.SendMessage(c.Request.Context(), chat.SendMessageRequest{
		ActorID:       rd.UserID,
		SessionID:     sessionID,
		UserContent:   req.Content,
		ModelOverride: req.ModelOverride,
	}, func(e chat.Event) error {
		select {
		case <-clientGone:
			return fmt.Errorf("client disconnected")
		default:
		}
		switch e.Kind {
		case chat.EventContent:
			fmt.Fprintf(c.Writer, "data: {\"content\": %q}\n\n", e.Content)
		case chat.EventDone:
			emittedTerminal = true
			fmt.Fprintf(c.Writer, "data: {\"done\": true, \"message_id\": %q}\n\n", e.MessageID)
		case chat.EventError:
			emittedTerminal = true
			fmt.Fprintf(c.Writer, "data: {\"error\": %q}\n\n", e.Err.Error())
		}
		flusher.Flush()
		return nil
	})
	// SendMessage emits its own EventError frame once streaming has begun
	// (§4.6's failure semantics); this only covers errors raised before
	// the orchestrator reached that path, e.g. authorization or
	// session-lookup failures.
	if err != nil && !emittedTerminal {
		fmt.Fprintf(c.Writer, "data: {\"error\": %q}\n\n", err.Error())
		flusher.Flush()
	}
}
