package session

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/medichat/internal/api"
	"github.com/liliang-cn/medichat/internal/client"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/repository"
	"github.com/liliang-cn/medichat/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newServer runs the real API over a temporary database
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := repository.NewDB(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{}
	cfg.LLM.Temperature = 0.5
	cfg.LLM.MaxTokens = 512

	chatSvc := service.NewChatService(cfg, repository.NewConversationRepository(db),
		service.NewTemplateResponder(nil, 3, logger), logger)
	chatSvc.SetChunkDelay(0)

	router := api.SetupRouter(api.Services{
		Chat:      chatSvc,
		Documents: service.NewDocumentService(cfg, nil, logger),
		Health:    service.NewHealthService("test", nil, logger),
	}, api.RouterConfig{APIPrefix: "/api/v1", AllowOrigins: []string{"*"}}, nil, logger)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

type turn struct {
	role    string
	content string
}

func turns(msgs []domain.Message) []turn {
	out := make([]turn, len(msgs))
	for i, m := range msgs {
		out[i] = turn{m.Role, m.Content}
	}
	return out
}

func TestRoundTrip_LoadReproducesLocalMessages(t *testing.T) {
	srv := newServer(t)
	c, err := client.New(srv.URL+"/api/v1", nil, zap.NewNop())
	require.NoError(t, err)
	m := NewManager(c, c.Channel("/chat/ws", client.ChannelOptions{}), zap.NewNop())
	t.Cleanup(func() { m.Close() })
	ctx := context.Background()

	require.NoError(t, m.Send(ctx, "What is diabetes?", SendOptions{Temperature: 0.5, MaxTokens: 512}))
	id := m.ConversationID()
	require.NotEmpty(t, id)

	require.NoError(t, m.Send(ctx, "What are the symptoms of hypertension?", streamOpts()))
	assert.Equal(t, id, m.ConversationID())

	local := m.Messages()
	require.Len(t, local, 4)
	assert.Greater(t, len(local[3].Content), service.StreamChunkSize)

	other, err := client.New(srv.URL+"/api/v1", nil, zap.NewNop())
	require.NoError(t, err)
	reloaded := NewManager(other, other.Channel("/chat/ws", client.ChannelOptions{}), zap.NewNop())
	t.Cleanup(func() { reloaded.Close() })

	require.NoError(t, reloaded.LoadConversation(ctx, id))
	assert.Equal(t, turns(local), turns(reloaded.Messages()))
	assert.Equal(t, id, reloaded.ConversationID())
}
