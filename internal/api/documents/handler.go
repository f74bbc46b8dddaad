package documents

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/medichat/internal/api/validation"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/service"
	"go.uber.org/zap"
)

// Handler handles document API requests
type Handler struct {
	documentService *service.DocumentService
	maxUploadSize   int64
	logger          *zap.Logger
}

// NewHandler creates a new document handler
func NewHandler(documentService *service.DocumentService, maxUploadSize int64, logger *zap.Logger) *Handler {
	return &Handler{
		documentService: documentService,
		maxUploadSize:   maxUploadSize,
		logger:          logger,
	}
}

// RegisterRoutes registers the read-only document routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.ListDocuments)
	r.GET("/:id/metadata", h.GetMetadata)
	r.POST("/search", h.Search)
}

// RegisterAdminRoutes registers the routes that change the document set
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/upload", h.UploadDocument)
	r.DELETE("/:id", h.DeleteDocument)
}

// UploadDocument handles POST /documents/upload
func (h *Handler) UploadDocument(c *gin.Context) {
	if h.maxUploadSize > 0 {
		// Multipart framing needs a little room above the file limit.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)
	}

	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": domain.ErrFileTooLarge.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	metadata := make(map[string]any)
	if metaStr := c.PostForm("custom_metadata"); metaStr != "" {
		if err := json.Unmarshal([]byte(metaStr), &metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid custom_metadata JSON"})
			return
		}
	}

	var tags []string
	for _, t := range strings.Split(c.PostForm("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}
	defer src.Close()

	resp, err := h.documentService.UploadDocument(c.Request.Context(), file.Filename, file.Size, src, tags, metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListDocuments handles GET /documents
func (h *Handler) ListDocuments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	result, err := h.documentService.ListDocuments(c.Request.Context(), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetMetadata handles GET /documents/:id/metadata
func (h *Handler) GetMetadata(c *gin.Context) {
	resp, err := h.documentService.GetMetadata(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteDocument handles DELETE /documents/:id
func (h *Handler) DeleteDocument(c *gin.Context) {
	resp, err := h.documentService.DeleteDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Search handles POST /documents/search
func (h *Handler) Search(c *gin.Context) {
	var req domain.DocumentSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.FormatError(err).Error()})
		return
	}

	results, err := h.documentService.Search(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	if results == nil {
		results = []domain.Source{}
	}

	c.JSON(http.StatusOK, gin.H{
		"query":   req.Query,
		"results": results,
		"total":   len(results),
	})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedFile), errors.Is(err, domain.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "document not found"})
	case errors.Is(err, service.ErrIndexUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
