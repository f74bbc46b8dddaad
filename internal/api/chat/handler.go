package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/liliang-cn/medichat/internal/api/middleware"
	"github.com/liliang-cn/medichat/internal/api/validation"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/service"
	"go.uber.org/zap"
)

// Handler handles chat API requests
type Handler struct {
	chatService *service.ChatService
	metrics     *middleware.Metrics
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// NewHandler creates a new chat handler; metrics may be nil. Channel
// handshakes from origins not on the allow-list are refused.
func NewHandler(chatService *service.ChatService, origins *middleware.Origins, metrics *middleware.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		chatService: chatService,
		metrics:     metrics,
		upgrader:    websocket.Upgrader{CheckOrigin: origins.CheckOrigin},
		logger:      logger,
	}
}

// RegisterRoutes registers chat routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/message", h.SendMessage)
	r.GET("/history/:id", h.GetHistory)
	r.DELETE("/history/:id", h.ClearHistory)
	r.GET("/conversations", h.ListConversations)
	r.GET("/ws", h.Stream)
}

// SendMessage handles POST /chat/message
func (h *Handler) SendMessage(c *gin.Context) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.FormatError(err).Error()})
		return
	}

	if req.Stream {
		c.JSON(http.StatusBadRequest, gin.H{"error": "use the WebSocket endpoint /chat/ws for streaming"})
		return
	}

	resp, err := h.chatService.Chat(c.Request.Context(), &req)
	if err != nil {
		h.countExchange("rest", "error")
		respondError(c, err)
		return
	}

	h.countExchange("rest", "ok")
	c.JSON(http.StatusOK, resp)
}

// GetHistory handles GET /chat/history/:id
func (h *Handler) GetHistory(c *gin.Context) {
	history, err := h.chatService.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, history)
}

// ClearHistory handles DELETE /chat/history/:id
func (h *Handler) ClearHistory(c *gin.Context) {
	id := c.Param("id")
	if err := h.chatService.Clear(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Conversation " + id + " cleared",
	})
}

// ListConversations handles GET /chat/conversations
func (h *Handler) ListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	convs, err := h.chatService.ListConversations(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if convs == nil {
		convs = []*domain.Conversation{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// Stream handles GET /chat/ws. Each client frame is a ChatRequest; a
// streaming request is answered with StreamFrames ending in one final
// frame, a buffered one with a single ChatResponse.
func (h *Handler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if h.metrics != nil {
		h.metrics.ChannelsOpen.Inc()
		defer h.metrics.ChannelsOpen.Dec()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	h.logger.Info("Chat channel opened", zap.String("client_ip", c.ClientIP()))
	defer h.logger.Info("Chat channel closed", zap.String("client_ip", c.ClientIP()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("Chat channel read failed", zap.Error(err))
			}
			return
		}

		var req domain.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if writeErr := conn.WriteJSON(gin.H{"error": "invalid message format"}); writeErr != nil {
				return
			}
			continue
		}
		if err := validation.Validate(&req); err != nil {
			if writeErr := conn.WriteJSON(gin.H{"error": err.Error()}); writeErr != nil {
				return
			}
			continue
		}

		if err := h.answer(ctx, conn, &req); err != nil {
			h.logger.Warn("Chat channel write failed", zap.Error(err))
			return
		}
	}
}

// answer serves one request; the returned error is a write failure that
// ends the channel, service errors are reported to the client instead
func (h *Handler) answer(ctx context.Context, conn *websocket.Conn, req *domain.ChatRequest) error {
	if !req.Stream {
		resp, err := h.chatService.Chat(ctx, req)
		if err != nil {
			h.countExchange("ws", "error")
			return conn.WriteJSON(gin.H{"error": err.Error()})
		}
		h.countExchange("ws", "ok")
		return conn.WriteJSON(resp)
	}

	frames, err := h.chatService.ChatStream(ctx, req)
	if err != nil {
		h.countExchange("ws_stream", "error")
		return conn.WriteJSON(gin.H{"error": err.Error()})
	}

	for frame := range frames {
		if err := conn.WriteJSON(frame); err != nil {
			h.countExchange("ws_stream", "error")
			return err
		}
		if h.metrics != nil {
			h.metrics.FramesSent.Inc()
		}
	}
	h.countExchange("ws_stream", "ok")
	return nil
}

func (h *Handler) countExchange(transport, result string) {
	if h.metrics != nil {
		h.metrics.ChatExchanges.WithLabelValues(transport, result).Inc()
	}
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
