package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tas-knowledge-base/auth"
	"github.com/tas-knowledge-base/config"
	"github.com/tas-knowledge-base/handlers"
	"github.com/tas-knowledge-base/models"
	"github.com/tas-knowledge-base/services/impl"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database connection
	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schema
	if err := db.AutoMigrate(
		&models.SourceDocument{},
		&models.ChunkRecord{},
		&models.IngestionRun{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	// Adapters for the external stores and model servers
	blobStore, err := impl.NewBlobStore(&cfg.Blob)
	if err != nil {
		log.Fatal("Failed to initialize blob store:", err)
	}

	embedder := impl.NewEmbedder(&cfg.Embedding)
	parser := impl.NewDocumentParser(&cfg.Parser)
	searchIndex := impl.NewSearchIndex(&cfg.Search, embedder.Dimension())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := searchIndex.EnsureIndex(ctx); err != nil {
		cancel()
		log.Fatal("Failed to ensure search index:", err)
	}
	cancel()

	// Initialize cache service
	cacheService, err := impl.NewCacheService(&cfg.Redis)
	if err != nil {
		log.Printf("Warning: Cache service initialization failed, continuing without caching: %v", err)
		cacheService, _ = impl.NewCacheService(nil) // Disabled cache fallback
	}

	// Core services
	documentStore := impl.NewDocumentStore(db)
	pipeline := impl.NewIngestPipeline(documentStore, blobStore, parser, embedder, searchIndex, cacheService, &cfg.Ingest)
	pipeline.Start()

	documentService := impl.NewDocumentService(documentStore, blobStore, pipeline, &cfg.Upload)
	searchService := impl.NewSearchService(searchIndex, embedder, cacheService, &cfg.Search)
	contentService := impl.NewContentService(searchIndex, impl.NewTokenEstimator(cfg.Content.Tokenizer), &cfg.Content)

	// HTTP surface
	knowledgeHandlers := handlers.NewKnowledgeHandlers(documentService, searchService, contentService)
	authenticator := auth.NewAuthenticator(&cfg.Auth)
	router := setupRouter(knowledgeHandlers, authenticator, cfg)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Knowledge base server starting on %s", cfg.GetServerAddress())
		log.Printf("Search index: %s/%s", cfg.Search.IndexURL, cfg.Search.IndexName)
		log.Printf("Environment: %s", os.Getenv("ENVIRONMENT"))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	// Let in-flight pipeline work finish before exiting.
	pipeline.Stop()

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func setupRouter(knowledgeHandlers *handlers.KnowledgeHandlers, authenticator *auth.Authenticator, cfg *config.Config) *gin.Engine {
	// Set gin mode based on environment
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-API-KEY"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		handlers.Respond(c, http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "knowledge-base",
		})
	})

	v1 := router.Group("/api/v1")

	// Retrieval endpoints are open to agent callers.
	v1.GET("/search", knowledgeHandlers.Search)
	v1.POST("/get-content", knowledgeHandlers.GetContent)

	// Lifecycle endpoints require admin credentials.
	sources := v1.Group("/sources")
	sources.Use(adminMiddleware(authenticator))
	{
		sources.POST("/upload", knowledgeHandlers.UploadSource)
		sources.GET("", knowledgeHandlers.ListSources)
		sources.GET("/:id", knowledgeHandlers.GetSource)
		sources.GET("/:id/runs", knowledgeHandlers.GetSourceRuns)
		sources.POST("/:id/resync", knowledgeHandlers.ResyncSource)
		sources.DELETE("/:id", knowledgeHandlers.DeleteSource)
	}

	// Service token issuance for machine callers that should not hold the
	// root key. Requires the root key itself.
	tokens := v1.Group("/auth")
	tokens.Use(adminMiddleware(authenticator))
	{
		tokens.POST("/service-token", func(c *gin.Context) {
			var req struct {
				Service string   `json:"service" binding:"required"`
				Scopes  []string `json:"scopes"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				handlers.Fail(c, http.StatusBadRequest, "Invalid request body: "+err.Error(), "VALIDATION_FAILED")
				return
			}
			token, err := authenticator.IssueServiceToken(req.Service, req.Scopes)
			if err != nil {
				handlers.Fail(c, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
				return
			}
			handlers.Respond(c, http.StatusOK, gin.H{"token": token})
		})
	}

	return router
}

// adminMiddleware accepts the static X-API-KEY header or a Bearer service
// token signed with the shared secret.
func adminMiddleware(authenticator *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authenticator.CheckAPIKey(c.GetHeader("X-API-KEY")) {
			c.Next()
			return
		}

		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			claims, err := authenticator.ValidateToken(authHeader)
			if err == nil {
				c.Set("service", claims.Service)
				c.Next()
				return
			}
			log.Printf("Token validation failed: %v", err)
		}

		handlers.Fail(c, http.StatusForbidden, "Admin credentials required", "INSUFFICIENT_PERMISSION")
		c.Abort()
	}
}
