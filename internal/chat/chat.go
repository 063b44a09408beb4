// Package chat implements spec.md §4.6's Chat Orchestrator: the single
// end-to-end streaming send_message operation that glues together the
// Authorization Fabric, Memory Store, Semantic Index, and upstream
// inference client. Grounded on the teacher's internal/services chat
// handling for the overall "authorize, load context, call upstream,
// persist" shape, adapted to this repo's RAG augmentation and
// streaming-cancellation contract. Transport (HTTP/SSE framing) is kept
// out of this package on purpose — callers supply an Emit callback and
// own the wire format, per §6.2.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nullspire/opencircle/internal/apierr"
	"github.com/nullspire/opencircle/internal/authz"
	"github.com/nullspire/opencircle/internal/embedding"
	"github.com/nullspire/opencircle/internal/inference"
	"github.com/nullspire/opencircle/internal/logger"
	"github.com/nullspire/opencircle/internal/memory"
	"github.com/nullspire/opencircle/internal/repos"
	"github.com/nullspire/opencircle/internal/semanticindex"
	"github.com/nullspire/opencircle/internal/types"
	"github.com/nullspire/opencircle/internal/vectorengine"
)

const (
	ragTopK          = 3
	historyWindow    = 50
	autoTitleCharCap = 50
)

// EventKind distinguishes the three frames send_message can emit, mapped
// 1:1 onto §6.2's SSE payloads by the caller.
type EventKind string

const (
	EventContent EventKind = "content"
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
)

// Event is one unit handed to the caller-supplied Emit callback.
type Event struct {
	Kind      EventKind
	Content   string
	MessageID uuid.UUID
	Err       error
}

// SendMessageRequest is send_message's input per §4.6.
type SendMessageRequest struct {
	ActorID       uuid.UUID
	SessionID     uuid.UUID
	UserContent   string
	ModelOverride *string
}

// Emit delivers one Event to the caller in order. A non-nil error from
// Emit is treated as a client disconnect: SendMessage cancels the
// upstream call at the next chunk boundary and returns without
// persisting a partial assistant turn.
type Emit func(Event) error

// Orchestrator is the Chat Orchestrator contract of §4.6.
type Orchestrator interface {
	SendMessage(ctx context.Context, req SendMessageRequest, emit Emit) error
}

type orchestrator struct {
	log          *logger.Logger
	fabric       authz.Fabric
	mem          memory.Store
	index        semanticindex.Index
	selector     embedding.Selector
	inferenceCli inference.Client
	vectorengine vectorengine.Engine
	teamMembers  repos.TeamMemberRepo
}

func New(
	log *logger.Logger,
	fabric authz.Fabric,
	mem memory.Store,
	index semanticindex.Index,
	selector embedding.Selector,
	inferenceCli inference.Client,
	engine vectorengine.Engine,
	teamMembers repos.TeamMemberRepo,
) Orchestrator {
	return &orchestrator{
		log:          log.With("component", "chat.Orchestrator"),
		fabric:       fabric,
		mem:          mem,
		index:        index,
		selector:     selector,
		inferenceCli: inferenceCli,
		vectorengine: engine,
		teamMembers:  teamMembers,
	}
}

// SendMessage runs §4.6's nine-step sequence.
func (o *orchestrator) SendMessage(ctx context.Context, req SendMessageRequest, emit Emit) error {
	session, err := o.mem.GetSession(ctx, req.SessionID)
	if err != nil {
		return err
	}

	// Step 1: authorize chat.use on the session.
	if err := o.authorizeChatUse(ctx, req.ActorID, session); err != nil {
		return err
	}

	// Step 2: auto-title on the first message.
	if session.MessageCount == 0 {
		title := synthesizeTitle(req.UserContent)
		if err := o.mem.SetSessionTitle(ctx, session.ID, title); err != nil {
			return err
		}
	}

	effectiveModel := session.DefaultModel
	if req.ModelOverride != nil && *req.ModelOverride != "" {
		effectiveModel = *req.ModelOverride
	}

	// Step 3: append the user message; this also enqueues a background
	// embedding (§5.2) — fire-and-forget, errors are logged and never
	// fail the request per §7's vectorization-worker-error swallowing.
	userMsg, err := o.mem.AppendMessage(ctx, session.ID, memory.Event{
		Role:    types.RoleUser,
		Content: req.UserContent,
		Model:   &effectiveModel,
	})
	if err != nil {
		return err
	}
	o.backgroundEmbed(userMsg.ID, session.ID, req.UserContent)
	o.backgroundSummarize(session.ID)

	// Step 4: fetch recent history for context.
	recent, err := o.mem.GetRecentMessages(ctx, session.ID, historyWindow)
	if err != nil {
		return err
	}

	// Step 5: embed the query and augment the outgoing request only —
	// never persisted.
	outgoing := historyToMessages(recent)
	if len(outgoing) > 0 {
		if augmented, ok := o.ragAugment(ctx, session.ID, req.UserContent); ok {
			outgoing[len(outgoing)-1].Content = augmented
		}
	}

	// Step 6/7: stream the upstream call, forwarding each delta.
	var fullResponse strings.Builder
	streamErr := o.streamWithCancellation(ctx, effectiveModel, outgoing, emit, &fullResponse)
	if streamErr != nil {
		_ = emit(Event{Kind: EventError, Err: streamErr})
		return streamErr
	}

	// Step 8: persist the assistant turn atomically — only once the
	// upstream call has fully completed.
	response := fullResponse.String()
	tokens := len(strings.Fields(response))
	assistantMsg, err := o.mem.AppendMessage(ctx, session.ID, memory.Event{
		Role:    types.RoleAssistant,
		Content: response,
		Model:   &effectiveModel,
		Tokens:  &tokens,
	})
	if err != nil {
		appendErr := apierr.Store("chat.persist_assistant_turn", "failed to persist assistant response", err)
		_ = emit(Event{Kind: EventError, Err: appendErr})
		return appendErr
	}
	o.backgroundEmbed(assistantMsg.ID, session.ID, response)
	o.backgroundSummarize(session.ID)
	o.vectorengine.Preserve(session.ID, map[string]interface{}{
		"user_message":      req.UserContent,
		"assistant_response": response,
		"model":             effectiveModel,
		"timestamp":         assistantMsg.Timestamp.Format(time.RFC3339),
	}, nil)

	// Step 9: final event.
	return emit(Event{Kind: EventDone, MessageID: assistantMsg.ID})
}

// authorizeChatUse checks session access: the owner may always use their
// own session; a team-scoped session additionally allows any member with
// at least RoleMember. §4.5's resource-permission cascade is defined over
// workflow/queue/vault-item resources only — a chat session isn't one of
// those three, so this check goes straight at team membership rather than
// through CheckResourcePermission.
func (o *orchestrator) authorizeChatUse(ctx context.Context, actorID uuid.UUID, session *types.ChatSession) error {
	if session.OwnerUserID == actorID {
		return nil
	}
	if session.TeamID == nil {
		return apierr.Authz("chat.not_owner", "you do not have access to this chat session", nil)
	}
	member, err := o.teamMembers.Get(ctx, nil, *session.TeamID, actorID)
	if err != nil {
		return apierr.Store("chat.team_lookup", "failed to check team membership", err)
	}
	if member == nil {
		return apierr.Authz("chat.not_team_member", "you are not a member of this session's team", nil)
	}
	if member.Role == types.RoleGuest {
		return apierr.Authz("chat.insufficient_role", "guests cannot use this session's team chat", nil)
	}
	return nil
}

// synthesizeTitle implements §4.6 step 2: first sentence, or a 50-char
// cap with an ellipsis.
func synthesizeTitle(content string) string {
	trimmed := strings.TrimSpace(content)
	if idx := strings.IndexAny(trimmed, ".!?"); idx >= 0 && idx+1 < len(trimmed) {
		candidate := strings.TrimSpace(trimmed[:idx+1])
		if utf8.RuneCountInString(candidate) <= autoTitleCharCap {
			return candidate
		}
	}
	runes := []rune(trimmed)
	if len(runes) <= autoTitleCharCap {
		return trimmed
	}
	return string(runes[:autoTitleCharCap]) + "…"
}

// backgroundEmbed runs the Semantic Index's embed-and-store step outside
// the request path; failures are logged, never surfaced, per §7.
func (o *orchestrator) backgroundEmbed(messageID, sessionID uuid.UUID, content string) {
	go func() {
		bg := context.Background()
		if err := o.index.StoreMessageEmbedding(bg, messageID, sessionID, content); err != nil {
			o.log.Warn("background message embedding failed", "message_id", messageID, "err", err)
		}
	}()
}

// backgroundSummarize rebuilds the session's rolling summary (§4.1) after
// every append, outside the request path; failures are logged, never
// surfaced, mirroring backgroundEmbed's fire-and-forget discipline.
func (o *orchestrator) backgroundSummarize(sessionID uuid.UUID) {
	go func() {
		bg := context.Background()
		if err := o.mem.UpsertSummary(bg, sessionID, 0, 0); err != nil {
			o.log.Warn("background summary rebuild failed", "session_id", sessionID, "err", err)
		}
	}()
}

// ragAugment embeds the query, searches the session's document chunks,
// and returns an augmented user-content string with a "Relevant document
// context:" block appended, per §4.6 step 5. The second return value is
// false when there is nothing to augment with.
func (o *orchestrator) ragAugment(ctx context.Context, sessionID uuid.UUID, userContent string) (string, bool) {
	vec, err := o.selector.Embed(ctx, userContent)
	if err != nil {
		o.log.Warn("rag query embedding failed, continuing without document context", "err", err)
		return "", false
	}
	hits, err := o.index.SearchChunks(ctx, sessionID, vec, ragTopK)
	if err != nil {
		o.log.Warn("chunk search failed, continuing without document context", "err", err)
		return "", false
	}
	if len(hits) == 0 {
		return "", false
	}
	var b strings.Builder
	b.WriteString(userContent)
	b.WriteString("\n\nRelevant document context:")
	for _, h := range hits {
		fmt.Fprintf(&b, "\n- [%s] %s", h.Filename, h.Content)
	}
	return b.String(), true
}

func historyToMessages(history []*types.ChatMessage) []inference.Message {
	out := make([]inference.Message, len(history))
	for i, m := range history {
		out[i] = inference.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// streamWithCancellation opens the upstream call and forwards every delta
// to emit. If emit returns an error (client disconnected), the context
// passed to the inference client is cancelled so the upstream call is
// aborted at the next chunk boundary, per §5's cancellation contract.
func (o *orchestrator) streamWithCancellation(ctx context.Context, model string, messages []inference.Message, emit Emit, full *strings.Builder) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var disconnectErr error
	response, err := o.inferenceCli.StreamChat(streamCtx, model, messages, func(delta string) error {
		full.WriteString(delta)
		if emitErr := emit(Event{Kind: EventContent, Content: delta}); emitErr != nil {
			disconnectErr = emitErr
			cancel()
			return emitErr
		}
		return nil
	})
	if disconnectErr != nil {
		return disconnectErr
	}
	if err != nil {
		return err
	}
	_ = response
	return nil
}
