package retrieval

import (
	"context"
	"fmt"

	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/domain"
	"github.com/liliang-cn/medichat/internal/service"
	ragoconfig "github.com/liliang-cn/rago/v2/pkg/config"
	ragodomain "github.com/liliang-cn/rago/v2/pkg/domain"
	"github.com/liliang-cn/rago/v2/pkg/providers"
	"github.com/liliang-cn/rago/v2/pkg/rag"
	ragstore "github.com/liliang-cn/rago/v2/pkg/rag/store"
	"go.uber.org/zap"
)

// Engine answers questions and manages documents on top of rago
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	ragClient     *rag.Client
	documentStore *ragstore.DocumentStore
	sqliteStore   *ragstore.SQLiteStore
}

var (
	_ service.Responder     = (*Engine)(nil)
	_ service.DocumentIndex = (*Engine)(nil)
)

// New creates a rago-backed engine
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	ragoCfg := &ragoconfig.Config{
		Sqvect: ragoconfig.SqvectConfig{
			DBPath:    cfg.RAG.DBPath,
			IndexType: cfg.RAG.IndexType,
		},
		Chunker: ragoconfig.ChunkerConfig{
			ChunkSize: cfg.RAG.ChunkSize,
			Overlap:   cfg.RAG.ChunkOverlap,
		},
		Ingest: ragoconfig.IngestConfig{
			MetadataExtraction: ragoconfig.MetadataExtractionConfig{
				Enable: false,
			},
		},
	}

	factory := providers.NewFactory()
	providerCfg := &ragodomain.OpenAIProviderConfig{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		LLMModel:       cfg.LLM.LLMModel,
	}

	embedder, err := factory.CreateEmbedderProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	llmProvider, err := factory.CreateLLMProvider(ctx, providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	ragClient, err := rag.NewClient(ragoCfg, embedder, llmProvider, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create RAG client: %w", err)
	}

	sqliteStore, err := ragstore.NewSQLiteStore(cfg.RAG.DBPath, cfg.RAG.IndexType)
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite store: %w", err)
	}

	return &Engine{
		cfg:           cfg,
		logger:        logger,
		ragClient:     ragClient,
		documentStore: ragstore.NewDocumentStore(sqliteStore.GetSqvectStore()),
		sqliteStore:   sqliteStore,
	}, nil
}

// Answer generates an answer with the configured LLM, grounded on the top
// matching passages. Failed LLM calls are retried up to llm.max_attempts
// times in total.
func (e *Engine) Answer(ctx context.Context, question string, opts service.AnswerOptions) (*domain.Answer, error) {
	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.RAG.TopK
	}

	prompt := service.EscalatePrompt(question)
	if prompt != question {
		e.logger.Info("Escalating urgent question")
	}

	var resp *ragodomain.QueryResponse
	err := withRetry(ctx, e.cfg.LLM.MaxAttempts, e.cfg.LLM.RetryDelay, e.logger, func(ctx context.Context) error {
		r, err := e.ragClient.Query(ctx, prompt, &rag.QueryOptions{
			TopK:        topK,
			Temperature: opts.Temperature,
			MaxTokens:   opts.MaxTokens,
			ShowSources: true,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rag query failed: %w", err)
	}

	sources := make([]domain.Source, 0, len(resp.Sources))
	for _, src := range resp.Sources {
		sources = append(sources, toSource(src.DocumentID, src.Content, src.Score, src.Metadata))
	}

	return &domain.Answer{
		Text:    resp.Answer + service.Disclaimer,
		Sources: sources,
	}, nil
}

// Search performs a pure vector search without LLM generation
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]domain.Source, error) {
	resp, err := e.ragClient.Query(ctx, query, &rag.QueryOptions{
		TopK:        topK,
		Temperature: 0,
		MaxTokens:   0,
		ShowSources: true,
	})
	if err != nil {
		return nil, err
	}

	sources := make([]domain.Source, len(resp.Sources))
	for i, src := range resp.Sources {
		sources[i] = toSource(src.DocumentID, src.Content, src.Score, src.Metadata)
	}
	return sources, nil
}

func toSource(docID, content string, score float64, metadata map[string]interface{}) domain.Source {
	s := score
	src := domain.Source{
		DocumentID: docID,
		Content:    content,
		Score:      &s,
		Metadata:   metadata,
	}
	if metadata != nil {
		if filename, ok := metadata[domain.MetadataKeyFilename].(string); ok {
			src.Filename = filename
		}
		switch p := metadata["page"].(type) {
		case int:
			src.Page = &p
		case float64:
			page := int(p)
			src.Page = &page
		}
	}
	return src
}

// IngestFile chunks and embeds a stored file
func (e *Engine) IngestFile(ctx context.Context, path string, metadata map[string]any) (string, int, error) {
	resp, err := e.ragClient.IngestFile(ctx, path, &rag.IngestOptions{
		ChunkSize: e.cfg.RAG.ChunkSize,
		Overlap:   e.cfg.RAG.ChunkOverlap,
		Metadata:  metadata,
	})
	if err != nil {
		return "", 0, err
	}

	if err := e.updateMetadata(ctx, resp.DocumentID, map[string]any{
		domain.MetadataKeyChunkCount: resp.ChunkCount,
	}); err != nil {
		e.logger.Warn("Failed to record chunk count",
			zap.String("document_id", resp.DocumentID), zap.Error(err))
	}

	return resp.DocumentID, resp.ChunkCount, nil
}

// ListDocuments lists all documents from rago storage
func (e *Engine) ListDocuments(ctx context.Context) ([]*domain.Document, error) {
	docs, err := e.documentStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	result := make([]*domain.Document, len(docs))
	for i, doc := range docs {
		result[i] = fromRagoDocument(doc)
	}
	return result, nil
}

// DeleteDocument deletes a document from rago storage
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	return e.documentStore.Delete(ctx, id)
}

func (e *Engine) updateMetadata(ctx context.Context, id string, metadata map[string]any) error {
	doc, err := e.documentStore.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}

	if doc.Metadata == nil {
		doc.Metadata = make(map[string]interface{})
	}
	for k, v := range metadata {
		doc.Metadata[k] = v
	}

	return e.documentStore.Store(ctx, doc)
}

// Healthy reports whether the document store answers
func (e *Engine) Healthy(ctx context.Context) error {
	_, err := e.documentStore.List(ctx)
	return err
}

// Close closes the underlying stores
func (e *Engine) Close() error {
	if e.sqliteStore != nil {
		return e.sqliteStore.Close()
	}
	return nil
}

func fromRagoDocument(doc ragodomain.Document) *domain.Document {
	result := &domain.Document{
		ID:        doc.ID,
		Metadata:  doc.Metadata,
		CreatedAt: doc.Created,
	}

	if doc.Metadata != nil {
		if v, ok := doc.Metadata[domain.MetadataKeyFilename].(string); ok {
			result.Filename = v
		}
		if v, ok := doc.Metadata[domain.MetadataKeyFileType].(string); ok {
			result.FileType = v
		}
		switch v := doc.Metadata[domain.MetadataKeyFileSize].(type) {
		case int64:
			result.FileSize = v
		case float64:
			result.FileSize = int64(v)
		}
		if v, ok := doc.Metadata[domain.MetadataKeyStatus].(string); ok {
			result.Status = v
		}
		switch v := doc.Metadata[domain.MetadataKeyChunkCount].(type) {
		case int:
			result.ChunkCount = v
		case float64:
			result.ChunkCount = int(v)
		}
		switch v := doc.Metadata[domain.MetadataKeyTags].(type) {
		case []string:
			result.Tags = v
		case []interface{}:
			for _, t := range v {
				if s, ok := t.(string); ok {
					result.Tags = append(result.Tags, s)
				}
			}
		}
		if v, ok := doc.Metadata[domain.MetadataKeyError].(string); ok {
			result.Error = v
		}
	}

	if result.Status == "" {
		result.Status = domain.DocumentStatusReady
	}

	return result
}
