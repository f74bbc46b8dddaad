package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liliang-cn/medichat/internal/api/chat"
	"github.com/liliang-cn/medichat/internal/api/documents"
	"github.com/liliang-cn/medichat/internal/api/middleware"
	"github.com/liliang-cn/medichat/internal/api/validation"
	"github.com/liliang-cn/medichat/internal/service"
	"go.uber.org/zap"
)

// RouterConfig holds configuration for the router
type RouterConfig struct {
	APIPrefix         string
	APIKey            string
	AllowOrigins      []string
	RateLimitEnabled  bool
	RequestsPerMinute int
	RateLimitBurst    int
	MaxUploadSize     int64
}

// Services bundles what the handlers serve
type Services struct {
	Chat      *service.ChatService
	Documents *service.DocumentService
	Health    *service.HealthService
}

// readinessDeps must be up for the server to accept traffic
var readinessDeps = []string{"database"}

// SetupRouter sets up the Gin router
func SetupRouter(svcs Services, cfg RouterConfig, metrics *middleware.Metrics, logger *zap.Logger) *gin.Engine {
	validation.Register()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))
	origins := middleware.NewOrigins(cfg.AllowOrigins)
	r.Use(middleware.CORS(origins))
	if metrics != nil {
		r.Use(metrics.Instrument())
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "MediChat API",
			"docs":    cfg.APIPrefix,
			"health":  "/health",
		})
	})

	health := r.Group("/health")
	{
		health.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, svcs.Health.Check(c.Request.Context()))
		})
		health.GET("/ready", func(c *gin.Context) {
			if !svcs.Health.Ready(c.Request.Context(), readinessDeps...) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		})
		health.GET("/live", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "alive", "timestamp": time.Now().UTC()})
		})
	}

	v1 := r.Group(cfg.APIPrefix)
	if cfg.RateLimitEnabled {
		v1.Use(middleware.RateLimit(cfg.RequestsPerMinute, cfg.RateLimitBurst))
	}

	chatHandler := chat.NewHandler(svcs.Chat, origins, metrics, logger)
	chatHandler.RegisterRoutes(v1.Group("/chat"))

	docHandler := documents.NewHandler(svcs.Documents, cfg.MaxUploadSize, logger)
	docGroup := v1.Group("/documents")
	docHandler.RegisterRoutes(docGroup)
	docHandler.RegisterAdminRoutes(docGroup.Group("", middleware.AdminAuth(cfg.APIKey)))

	return r
}
