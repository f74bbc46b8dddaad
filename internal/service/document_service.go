package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/domain"
	"go.uber.org/zap"
)

// MetadataKeyStoragePath records where the uploaded original is kept on disk
const MetadataKeyStoragePath = "storage_path"

// DocumentIndex is the retrieval engine holding ingested documents
type DocumentIndex interface {
	Searcher
	IngestFile(ctx context.Context, path string, metadata map[string]any) (docID string, chunks int, err error)
	ListDocuments(ctx context.Context) ([]*domain.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// DocumentService handles document upload, listing, deletion and search
type DocumentService struct {
	cfg    *config.Config
	index  DocumentIndex
	logger *zap.Logger
}

// NewDocumentService creates a new document service; index may be nil when
// retrieval is disabled, in which case every operation reports it
func NewDocumentService(cfg *config.Config, index DocumentIndex, logger *zap.Logger) *DocumentService {
	return &DocumentService{cfg: cfg, index: index, logger: logger}
}

// ErrIndexUnavailable is returned when no retrieval engine is configured
var ErrIndexUnavailable = fmt.Errorf("document index not available")

// DetectFileType returns the lowercase extension of filename, with its dot
func DetectFileType(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// IsSupported checks if the extension is in the configured allow-list
func (s *DocumentService) IsSupported(ext string) bool {
	for _, allowed := range s.cfg.Upload.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}

// UploadDocument stores an uploaded file and ingests it into the index
func (s *DocumentService) UploadDocument(
	ctx context.Context,
	filename string,
	size int64,
	src io.Reader,
	tags []string,
	metadata map[string]any,
) (*domain.DocumentUploadResponse, error) {
	start := time.Now()

	ext := DetectFileType(filename)
	if !s.IsSupported(ext) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFile, ext)
	}
	if s.cfg.Upload.MaxFileSize > 0 && size > s.cfg.Upload.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", domain.ErrFileTooLarge, size, s.cfg.Upload.MaxFileSize)
	}
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}

	if err := os.MkdirAll(s.cfg.Storage.Documents, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	storagePath := filepath.Join(s.cfg.Storage.Documents, uuid.New().String()+ext)
	written, err := saveFile(storagePath, src)
	if err != nil {
		return nil, err
	}

	meta := make(map[string]any, len(metadata)+6)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[domain.MetadataKeyFilename] = filename
	meta[domain.MetadataKeyFileType] = strings.TrimPrefix(ext, ".")
	meta[domain.MetadataKeyFileSize] = written
	meta[domain.MetadataKeyStatus] = domain.DocumentStatusReady
	meta[MetadataKeyStoragePath] = storagePath
	if len(tags) > 0 {
		meta[domain.MetadataKeyTags] = tags
	}

	docID, chunks, err := s.index.IngestFile(ctx, storagePath, meta)
	if err != nil {
		if rmErr := os.Remove(storagePath); rmErr != nil {
			s.logger.Warn("Failed to remove stored upload", zap.String("path", storagePath), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to ingest %s: %w", filename, err)
	}

	s.logger.Info("Document ingested",
		zap.String("document_id", docID),
		zap.String("filename", filename),
		zap.Int("chunks", chunks),
	)

	return &domain.DocumentUploadResponse{
		DocumentID:     docID,
		Filename:       filename,
		FileSize:       written,
		ChunksCreated:  chunks,
		ProcessingTime: time.Since(start).Seconds(),
		Status:         "success",
	}, nil
}

func saveFile(path string, src io.Reader) (int64, error) {
	dst, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create storage file: %w", err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return 0, fmt.Errorf("failed to save file: %w", err)
	}
	return n, nil
}

// ListDocuments returns one page of documents
func (s *DocumentService) ListDocuments(ctx context.Context, page, pageSize int) (*domain.DocumentListResponse, error) {
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}

	docs, err := s.index.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	total := len(docs)
	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	result := &domain.DocumentListResponse{
		Documents: []*domain.Document{},
		Total:     total,
		Page:      page,
		PageSize:  pageSize,
	}
	if start < total {
		result.Documents = docs[start:end]
	}
	return result, nil
}

// DeleteDocument deletes a document from the index and its stored original
func (s *DocumentService) DeleteDocument(ctx context.Context, id string) (*domain.DocumentDeleteResponse, error) {
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}

	doc, err := s.findDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.index.DeleteDocument(ctx, id); err != nil {
		return nil, err
	}

	if path, ok := doc.Metadata[MetadataKeyStoragePath].(string); ok && path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove stored document", zap.String("path", path), zap.Error(err))
		}
	}

	return &domain.DocumentDeleteResponse{DocumentID: id, Status: "deleted"}, nil
}

// GetMetadata returns the descriptive metadata of one document
func (s *DocumentService) GetMetadata(ctx context.Context, id string) (*domain.DocumentMetadataResponse, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid document ID format", domain.ErrInvalidRequest)
	}
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}

	doc, err := s.findDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	meta := domain.DocumentMetadata{
		Filename:  doc.Filename,
		FileType:  doc.FileType,
		FileSize:  doc.FileSize,
		CreatedAt: doc.CreatedAt,
		Tags:      doc.Tags,
	}
	switch v := doc.Metadata[domain.MetadataKeyPageCount].(type) {
	case int:
		meta.PageCount = &v
	case float64:
		n := int(v)
		meta.PageCount = &n
	}
	if meta.Tags == nil {
		meta.Tags = []string{}
	}

	return &domain.DocumentMetadataResponse{DocumentID: doc.ID, Metadata: meta}, nil
}

func (s *DocumentService) findDocument(ctx context.Context, id string) (*domain.Document, error) {
	docs, err := s.index.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Search performs a similarity search, optionally restricted to tags
func (s *DocumentService) Search(ctx context.Context, req *domain.DocumentSearchRequest) ([]domain.Source, error) {
	if s.index == nil {
		return nil, ErrIndexUnavailable
	}

	topK := req.TopK
	if topK <= 0 {
		topK = 5
	}

	results, err := s.index.Search(ctx, req.Query, topK)
	if err != nil {
		return nil, err
	}
	if len(req.FilterTags) == 0 {
		return results, nil
	}

	filtered := make([]domain.Source, 0, len(results))
	for _, r := range results {
		if hasAnyTag(r.Metadata, req.FilterTags) {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func hasAnyTag(metadata map[string]any, want []string) bool {
	var tags []string
	switch v := metadata[domain.MetadataKeyTags].(type) {
	case []string:
		tags = v
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	case string:
		tags = strings.Split(v, ",")
	}
	for _, t := range tags {
		for _, w := range want {
			if strings.EqualFold(strings.TrimSpace(t), w) {
				return true
			}
		}
	}
	return false
}
