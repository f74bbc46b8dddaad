package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/liliang-cn/medichat/internal/api/middleware"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/repository"
	"github.com/liliang-cn/medichat/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithOrigins(t, []string{"*"})
}

func newTestRouterWithOrigins(t *testing.T, origins []string) *gin.Engine {
	t.Helper()
	logger := zap.NewNop()

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.LLM.Temperature = 0.5
	cfg.LLM.MaxTokens = 512
	cfg.RAG.TopK = 3

	chatSvc := service.NewChatService(cfg, repository.NewConversationRepository(db),
		service.NewTemplateResponder(nil, 3, logger), logger)
	chatSvc.SetChunkDelay(0)

	health := service.NewHealthService("test", map[string]service.Checker{
		"database":  func(ctx context.Context) error { return db.Healthy() },
		"retrieval": nil,
	}, logger)

	return SetupRouter(Services{
		Chat:      chatSvc,
		Documents: service.NewDocumentService(cfg, nil, logger),
		Health:    health,
	}, RouterConfig{
		APIPrefix:    "/api/v1",
		APIKey:       "admin-key",
		AllowOrigins: origins,
	}, middleware.NewMetrics(), logger)
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestChatMessageAndHistory(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/chat/message", gin.H{"message": "What is diabetes?"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp domain.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Response, "Diabetes is a chronic metabolic disorder"))
	assert.NotEmpty(t, resp.ConversationID)
	assert.NotNil(t, resp.Sources)

	w = doJSON(t, r, http.MethodGet, "/api/v1/chat/history/"+resp.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []domain.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, resp.Response, history[1].Content)

	w = doJSON(t, r, http.MethodGet, "/api/v1/chat/conversations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.ConversationID)

	w = doJSON(t, r, http.MethodDelete, "/api/v1/chat/history/"+resp.ConversationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "success")

	w = doJSON(t, r, http.MethodGet, "/api/v1/chat/history/"+resp.ConversationID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatMessageValidation(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"stream over rest", gin.H{"message": "hi", "stream": true}},
		{"missing message", gin.H{}},
		{"whitespace only", gin.H{"message": "   "}},
		{"script injection", gin.H{"message": "<script>alert(1)</script>"}},
		{"temperature out of range", gin.H{"message": "hi", "temperature": 2}},
		{"max tokens out of range", gin.H{"message": "hi", "max_tokens": 0}},
		{"malformed conversation id", gin.H{"message": "hi", "conversation_id": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/api/v1/chat/message", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
}

func TestHistoryRejectsMalformedID(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodGet, "/api/v1/chat/history/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusBadRequest, doJSON(t, r, http.MethodDelete, "/api/v1/chat/history/not-a-uuid", nil).Code)
	assert.Equal(t, http.StatusNotFound, doJSON(t, r, http.MethodDelete, "/api/v1/chat/history/"+uuid.New().String(), nil).Code)
}

func TestChatChannel(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(gin.H{"message": "What is diabetes?", "stream": true}))

	var text strings.Builder
	var convID string
	for {
		var frame domain.StreamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		assert.LessOrEqual(t, len([]rune(frame.Chunk)), service.StreamChunkSize)
		text.WriteString(frame.Chunk)
		convID = frame.ConversationID
		if frame.IsFinal {
			break
		}
	}
	assert.True(t, strings.HasPrefix(text.String(), "Diabetes is a chronic metabolic disorder"))
	assert.True(t, strings.HasSuffix(text.String(), service.Disclaimer))
	require.NotEmpty(t, convID)

	require.NoError(t, conn.WriteJSON(gin.H{"message": "symptoms of diabetes", "conversation_id": convID}))
	var resp domain.ChatResponse
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, convID, resp.ConversationID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var errFrame map[string]string
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "invalid message format", errFrame["error"])
}

func TestChatChannelChecksOrigin(t *testing.T) {
	srv := httptest.NewServer(newTestRouterWithOrigins(t, []string{"http://localhost:3000"}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/chat/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn.Close()
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	w := doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report service.HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, service.StatusDegraded, report.Status)
	assert.Equal(t, service.StatusUp, report.Services["database"])

	assert.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/health/ready", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, r, http.MethodGet, "/health/live", nil).Code)

	w = doJSON(t, r, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "medichat_http_requests_total")
}

func TestDocumentsRequireIndexAndAdminKey(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusServiceUnavailable, doJSON(t, r, http.MethodGet, "/api/v1/documents", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, r, http.MethodDelete, "/api/v1/documents/doc-1", nil).Code)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/documents/doc-1", nil)
	req.Header.Set("X-API-Key", "admin-key")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/v1/documents/search", gin.H{"query": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/documents/not-a-uuid/metadata", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(t, r, http.MethodGet, "/api/v1/documents/"+uuid.New().String()+"/metadata", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
