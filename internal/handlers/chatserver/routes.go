package chatserver

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campus-chat/internal/auth"
	"campus-chat/internal/config"
	"campus-chat/internal/middleware"
)

// NewRouter assembles every route of the chat server behind CORS.
func NewRouter(cfg config.ServerConfig, wsHandler *WebSocketHandler, api *APIHandler,
	authn *auth.Authenticator, logger *zap.Logger) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc(cfg.WebSocketPath, wsHandler.ServeWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api/v1").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware(authn, logger))
	apiRouter.HandleFunc("/conversations", api.GetUserConversationsHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{peerID}", api.GetConversationHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/rooms/{peerID}/messages", api.GetRoomMessagesHandler).Methods(http.MethodGet)
	apiRouter.HandleFunc("/auth/revoke", api.RevokeTokenHandler).Methods(http.MethodPost)

	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.CORS.MaxAge),
	}
	if cfg.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	return handlers.CORS(corsOptions...)(r)
}
