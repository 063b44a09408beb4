package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nullspire/opencircle/internal/requestdata"
	"github.com/nullspire/opencircle/internal/sse"
)

// SSEHandler exposes internal/sse's multi-client broadcast hub for
// team/authorization-fabric notifications (see sse.SSEEvent) — a
// separate surface from the Chat Orchestrator's own single-request
// stream in chat.go.
type SSEHandler struct {
	hub *sse.SSEHub
}

func NewSSEHandler(hub *sse.SSEHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

func (h *SSEHandler) Stream(c *gin.Context) {
	rd := requestdata.GetRequestData(c.Request.Context())
	if rd == nil {
		RespondError(c, http.StatusUnauthorized, "auth.missing_context", nil)
		return
	}
	client := h.hub.NewSSEClient(rd.UserID)
	for _, channel := range c.QueryArray("channel") {
		h.hub.AddChannel(client, channel)
	}
	defer h.hub.CloseClient(client)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

