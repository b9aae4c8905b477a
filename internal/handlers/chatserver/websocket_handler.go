package chatserver

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"campus-chat/internal/auth"
	"campus-chat/internal/config"
	"campus-chat/internal/middleware"
	"campus-chat/internal/room"
	ws "campus-chat/internal/websocket"
)

// WebSocketHandler 负责处理 WebSocket 连接请求。
type WebSocketHandler struct {
	hub        *ws.Hub
	dispatcher ws.Dispatcher
	authn      *auth.Authenticator
	wsCfg      config.WebSocketConfig
	logger     *zap.Logger
}

// NewWebSocketHandler 创建一个新的 WebSocketHandler 实例。
func NewWebSocketHandler(hub *ws.Hub, dispatcher ws.Dispatcher, authn *auth.Authenticator,
	wsCfg config.WebSocketConfig, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		dispatcher: dispatcher,
		authn:      authn,
		wsCfg:      wsCfg,
		logger:     logger.Named("ws-handler"),
	}
}

// ServeWS authenticates the request and upgrades it. Browsers cannot set
// headers on a WebSocket handshake, so the token may also come as ?token=.
// With anonymous access enabled, ?userId= is trusted as is.
func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}

	var userID string
	switch {
	case token != "":
		claims, err := h.authn.Authenticate(r.Context(), token)
		if err != nil {
			h.logger.Info("websocket handshake rejected", zap.Error(err))
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrInvalidToken) && !errors.Is(err, auth.ErrRevokedToken) {
				status = http.StatusServiceUnavailable
			}
			middleware.WriteJSONError(w, "invalid token", status)
			return
		}
		userID = claims.UserID
	case h.authn.AllowAnonymous():
		userID = r.URL.Query().Get("userId")
	}

	if userID == "" {
		middleware.WriteJSONError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	// ids containing the key separator could never join a room
	if err := room.ValidateParticipant(userID); err != nil {
		middleware.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws.ServeWs(h.hub, h.dispatcher, userID, w, r, h.wsCfg, h.logger)
}
