package chatserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campus-chat/internal/auth"
	"campus-chat/internal/chat"
	"campus-chat/internal/config"
	"campus-chat/internal/imtypes"
	"campus-chat/internal/room"
	"campus-chat/internal/services"
	"campus-chat/internal/storage"
	"campus-chat/internal/websocket"
)

type testServer struct {
	srv     *httptest.Server
	hub     *websocket.Hub
	authCfg config.AuthConfig
}

func newTestServer(t *testing.T, allowAnonymous bool) *testServer {
	t.Helper()
	logger := zap.NewNop()

	db, err := storage.InitDB(config.DatabaseConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "chat.db")}, logger)
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrateTables(db))

	chatCfg := config.ChatConfig{
		EchoToSender: true, TypingTimeout: time.Second, StoreTimeout: time.Second,
		HistoryLimit: 50, HistoryTimeout: time.Second, MaxContentBytes: 4096,
	}
	svc := services.NewMessageService(storage.NewGormMessageRepository(db), services.NewArchive(db, logger), chatCfg, logger)
	convos := services.NewConversationService(storage.NewGormConversationRepository(db))

	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(logger)
	go hub.Run(ctx)
	router := chat.NewRouter(hub, svc, chat.OptionsFromConfig(chatCfg), logger)

	authCfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour, AllowAnonymous: allowAnonymous}
	authn := auth.NewAuthenticator(authCfg, nil)
	wsCfg := config.WebSocketConfig{WriteWaitSeconds: 5, PongWaitSeconds: 60, PingPeriodSeconds: 50,
		MaxMessageSizeBytes: 16 * 1024, SendBuffer: 64}
	serverCfg := config.ServerConfig{WebSocketPath: "/ws/chat", CORS: config.CORSConfig{AllowedOrigins: []string{"*"}}}

	handler := NewRouter(serverCfg,
		NewWebSocketHandler(hub, router, authn, wsCfg, logger),
		NewAPIHandler(router, convos, authn, logger),
		authn, logger)
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		srv.Close()
		router.Close()
		cancel()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testServer{srv: srv, hub: hub, authCfg: authCfg}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, userID, s.authCfg)
	require.NoError(t, err)
	return token
}

func (s *testServer) dial(t *testing.T, query string) (*gorillaws.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/chat?" + query
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func send(t *testing.T, conn *gorillaws.Conn, typ imtypes.EventType, payload any) {
	t.Helper()
	frame, err := imtypes.Encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, frame))
}

// await reads frames until one of type typ arrives.
func await[T any](t *testing.T, conn *gorillaws.Conn, typ imtypes.EventType) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env imtypes.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type != typ {
			continue
		}
		var out T
		require.NoError(t, json.Unmarshal(env.Payload, &out))
		return out
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	s := newTestServer(t, false)

	_, resp, err := s.dial(t, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = s.dial(t, "token=garbage")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// anonymous ids are ignored unless enabled
	_, resp, err = s.dial(t, "userId=alice")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAnonymousDevelopmentConnection(t *testing.T) {
	s := newTestServer(t, true)

	_, _, err := s.dial(t, "userId=alice")
	require.NoError(t, err)

	_, resp, err := s.dial(t, "userId=al:ice")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDirectMessageEndToEnd(t *testing.T) {
	s := newTestServer(t, false)
	key, err := room.Resolve("alice", "bob")
	require.NoError(t, err)

	alice, _, err := s.dial(t, "token="+s.token(t, "alice"))
	require.NoError(t, err)
	bob, _, err := s.dial(t, "token="+s.token(t, "bob"))
	require.NoError(t, err)

	send(t, bob, imtypes.JoinRoomEvent, imtypes.RoomPayload{RoomKey: string(key)})
	require.Eventually(t, func() bool { return s.hub.Members(key) == 1 }, 2*time.Second, 10*time.Millisecond)

	send(t, alice, imtypes.SendMessageEvent, imtypes.SendMessagePayload{
		ClientID: "tmp-1", SenderID: "alice", RecipientID: "bob", Content: "hi bob",
	})
	got := await[imtypes.Message](t, bob, imtypes.ReceiveMessageEvent)
	assert.Equal(t, "hi bob", got.Content)
	assert.Equal(t, "alice", got.SenderID)
	assert.Equal(t, imtypes.StateSent, got.DeliveryState)

	status := await[imtypes.MessageStatusPayload](t, alice, imtypes.MessageStatusEvent)
	assert.Equal(t, got.ID, status.MessageID)
	assert.Equal(t, imtypes.StateDelivered, status.Status)

	send(t, bob, imtypes.MessageReadEvent, imtypes.ReadPayload{MessageID: got.ID, RoomKey: string(key), UserID: "bob"})
	for status.Status != imtypes.StateRead {
		status = await[imtypes.MessageStatusPayload](t, alice, imtypes.MessageStatusEvent)
	}
	assert.Equal(t, got.ID, status.MessageID)

	// history over REST carries the persisted message with live state laid over it
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/v1/rooms/alice/messages?limit=10", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "bob"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hist imtypes.HistoryPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hist))
	assert.Equal(t, key, hist.RoomKey)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, got.ID, hist.Messages[0].ID)
	assert.Equal(t, imtypes.StateRead, hist.Messages[0].DeliveryState)
}

func TestConversationsEndpoint(t *testing.T) {
	s := newTestServer(t, false)

	alice, _, err := s.dial(t, "token="+s.token(t, "alice"))
	require.NoError(t, err)
	send(t, alice, imtypes.SendMessageEvent, imtypes.SendMessagePayload{SenderID: "alice", RecipientID: "carol", Content: "yo"})
	await[imtypes.MessageStatusPayload](t, alice, imtypes.MessageStatusEvent)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/api/v1/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "carol"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var convos []ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convos))
	require.Len(t, convos, 1)
	assert.Equal(t, "alice", convos[0].PeerID)
	assert.Equal(t, "alice:carol", convos[0].RoomKey)

	req, err = http.NewRequest(http.MethodGet, s.srv.URL+"/api/v1/rooms/alice", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "carol"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var one ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&one))
	assert.Equal(t, "alice", one.PeerID)

	req, err = http.NewRequest(http.MethodGet, s.srv.URL+"/api/v1/rooms/dave", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "carol"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIRejectsBadRequests(t *testing.T) {
	s := newTestServer(t, false)

	resp, err := http.Get(s.srv.URL + "/api/v1/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, path := range []string{"/api/v1/rooms/bob/messages", "/api/v1/conversations?limit=-1", "/api/v1/rooms/alice/messages?limit=x"} {
		req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+s.token(t, "bob"))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	// no blacklist configured
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/api/v1/auth/revoke", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+s.token(t, "bob"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, false)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(s.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
