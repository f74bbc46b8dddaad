package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liliang-cn/medichat/internal/api"
	"github.com/liliang-cn/medichat/internal/api/middleware"
	"github.com/liliang-cn/medichat/internal/config"
	"github.com/liliang-cn/medichat/internal/repository"
	"github.com/liliang-cn/medichat/internal/retrieval"
	"github.com/liliang-cn/medichat/internal/service"
	"go.uber.org/zap"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	printBanner()

	// Conversations live in sqlite; documents are in rago
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	convRepo := repository.NewConversationRepository(db)

	var engine *retrieval.Engine
	if cfg.RAG.Enabled {
		engine, err = retrieval.New(context.Background(), cfg, logger)
		if err != nil {
			logger.Warn("Failed to initialize retrieval, running without documents", zap.Error(err))
			engine = nil
		}
	}

	responder, index, searcherCheck := wireRetrieval(cfg, engine, logger)

	chatService := service.NewChatService(cfg, convRepo, responder, logger)
	documentService := service.NewDocumentService(cfg, index, logger)
	healthService := service.NewHealthService(cfg.Server.Version, map[string]service.Checker{
		"database":  func(context.Context) error { return db.Healthy() },
		"retrieval": searcherCheck,
	}, logger)

	metrics := middleware.NewMetrics()

	router := api.SetupRouter(api.Services{
		Chat:      chatService,
		Documents: documentService,
		Health:    healthService,
	}, api.RouterConfig{
		APIPrefix:         cfg.Server.APIPrefix,
		APIKey:            cfg.Admin.APIKey,
		AllowOrigins:      cfg.CORS.AllowOrigins,
		RateLimitEnabled:  cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		RateLimitBurst:    cfg.RateLimit.Burst,
		MaxUploadSize:     cfg.Upload.MaxFileSize,
	}, metrics, logger)

	// Streaming responses outlive a fixed write timeout, so only reads are bounded
	srv := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("Starting MediChat server",
			zap.String("address", cfg.Address()),
			zap.String("api_prefix", cfg.Server.APIPrefix),
			zap.Bool("retrieval", engine != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if engine != nil {
		if err := engine.Close(); err != nil {
			logger.Warn("Failed to close retrieval engine", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// wireRetrieval picks the responder and document index. The rago engine
// answers directly when an LLM key is configured; otherwise the template
// responder answers and the engine, if any, only supplies passages.
func wireRetrieval(cfg *config.Config, engine *retrieval.Engine, logger *zap.Logger) (service.Responder, service.DocumentIndex, service.Checker) {
	if engine == nil {
		return service.NewTemplateResponder(nil, cfg.RAG.TopK, logger), nil, nil
	}
	if cfg.LLM.APIKey != "" {
		return engine, engine, engine.Healthy
	}
	return service.NewTemplateResponder(engine, cfg.RAG.TopK, logger), engine, engine.Healthy
}

func printBanner() {
	banner := `
    __  ___         ___      __          __
   /  |/  /__  ____/ (_)____/ /_  ____ _/ /_
  / /|_/ / _ \/ __  / / ___/ __ \/ __ '/ __/
 / /  / /  __/ /_/ / / /__/ / / / /_/ / /_
/_/  /_/\___/\__,_/_/\___/_/ /_/\__,_/\__/
`

	fmt.Println(banner)
}
