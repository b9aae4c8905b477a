package chatserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"campus-chat/internal/auth"
	"campus-chat/internal/chat"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/middleware"
	"campus-chat/internal/models"
	"campus-chat/internal/services"
)

const defaultConversationLimit = 20

// HistorySource loads the history of the room between two users.
type HistorySource interface {
	History(ctx context.Context, userID, peerID string, limit int) (imtypes.HistoryPayload, error)
}

// APIHandler serves the authenticated REST endpoints of the chat server.
type APIHandler struct {
	history HistorySource
	convos  services.ConversationService
	authn   *auth.Authenticator
	logger  *zap.Logger
}

// NewAPIHandler 创建一个新的 APIHandler 实例。
func NewAPIHandler(history HistorySource, convos services.ConversationService, authn *auth.Authenticator, logger *zap.Logger) *APIHandler {
	return &APIHandler{history: history, convos: convos, authn: authn, logger: logger.Named("api")}
}

// ConversationSummary is one entry of GET /api/v1/conversations.
type ConversationSummary struct {
	RoomKey       string    `json:"roomKey"`
	PeerID        string    `json:"peerId"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// GetRoomMessagesHandler returns the history shared with {peerID}.
func (h *APIHandler) GetRoomMessagesHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		middleware.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		middleware.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	hist, err := h.history.History(r.Context(), userID, mux.Vars(r)["peerID"], limit)
	if err != nil {
		switch chat.CodeOf(err) {
		case chat.CodeInvalidRoom:
			middleware.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		case chat.CodeHistoryUnavailable:
			middleware.WriteJSONError(w, "history unavailable", http.StatusServiceUnavailable)
		default:
			h.logger.Error("history failed", zap.Error(err))
			middleware.WriteJSONError(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, hist)
}

// GetUserConversationsHandler 获取当前用户的所有会话列表。
func (h *APIHandler) GetUserConversationsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		middleware.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	limit, err := queryInt(r, "limit", defaultConversationLimit)
	if err != nil {
		middleware.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	convos, err := h.convos.ListConversations(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("list conversations failed", zap.String("user", userID), zap.Error(err))
		middleware.WriteJSONError(w, "failed to list conversations", http.StatusInternalServerError)
		return
	}
	out := make([]ConversationSummary, 0, len(convos))
	for _, c := range convos {
		out = append(out, summarize(c, userID))
	}
	writeJSONResponse(w, http.StatusOK, out)
}

// GetConversationHandler returns the conversation shared with {peerID}.
func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		middleware.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	convo, err := h.convos.GetConversation(r.Context(), userID, mux.Vars(r)["peerID"])
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, summarize(convo, userID))
	case errors.Is(err, services.ErrConversationNotFound):
		middleware.WriteJSONError(w, err.Error(), http.StatusNotFound)
	case chat.CodeOf(err) == chat.CodeInvalidRoom:
		middleware.WriteJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("get conversation failed", zap.String("user", userID), zap.Error(err))
		middleware.WriteJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

func summarize(c *models.Conversation, userID string) ConversationSummary {
	return ConversationSummary{
		RoomKey:       c.RoomKey,
		PeerID:        c.Peer(userID),
		LastMessageID: c.LastMessageID,
		LastMessageAt: c.LastMessageAt,
	}
}

// RevokeTokenHandler blacklists the bearer token of the request.
func (h *APIHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		middleware.WriteJSONError(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := h.authn.Revoke(r.Context(), claims); err != nil {
		h.logger.Warn("token revocation failed", zap.String("user", claims.UserID), zap.Error(err))
		middleware.WriteJSONError(w, "revocation unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return n, nil
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		// headers are gone, nothing left to report to
		_ = json.NewEncoder(w).Encode(data)
	}
}
