package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sharex/backend/internal/config"
	"github.com/sharex/backend/internal/database"
	"github.com/sharex/backend/internal/handlers"
	"github.com/sharex/backend/internal/middleware"
	"github.com/sharex/backend/internal/services"
	"github.com/sharex/backend/internal/storage"
	"github.com/sharex/backend/pkg/logger"
	"github.com/sharex/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	localStorage, err := storage.NewLocalStorage(cfg.Storage.UploadDir, cfg.Storage.MaxFileSizeBytes)
	if err != nil {
		log.Fatalf("storage initialization failed: %v", err)
	}

	var auditStorage *storage.MinIOClient
	if cfg.MinIO.Endpoint != "" {
		auditStorage, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := auditStorage.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	accessService := services.NewAccessService(db)
	auditService := services.NewAuditService(db, auditStorage)
	auditService.StartExporter(cfg.Audit.ExportInterval)

	authHandler := handlers.NewAuthHandler(db, auditService)
	usersHandler := handlers.NewUsersHandler(db)
	filesHandler := handlers.NewFilesHandler(db, localStorage, accessService, auditService, cfg.Storage)
	linksHandler := handlers.NewLinksHandler(db, accessService, auditService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	// The body limit covers a full batch of maximum-size files plus
	// multipart framing; per-file ceilings are enforced while streaming.
	bodyLimit := int(cfg.Storage.MaxFileSizeBytes)*20 + 1024*1024

	app := fiber.New(fiber.Config{BodyLimit: bodyLimit})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/register", authHandler.Register)
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	api.Get("/users", authMiddleware.RequireAuth, usersHandler.List)

	fileRoutes := api.Group("/files", authMiddleware.RequireAuth)
	fileRoutes.Post("/upload", filesHandler.Upload)
	fileRoutes.Get("/", filesHandler.List)
	fileRoutes.Get("/link/:token", linksHandler.Resolve)
	fileRoutes.Post("/:id/share", linksHandler.Share)
	fileRoutes.Post("/:id/unshare", linksHandler.Unshare)
	fileRoutes.Post("/:id/link", linksHandler.IssueLink)
	fileRoutes.Get("/:id/download", filesHandler.Download)
	fileRoutes.Get("/:id/audit", filesHandler.AuditTrail)
	fileRoutes.Delete("/:id", filesHandler.Delete)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":       cfg.Server.Port,
		"address":    listenAddr,
		"upload_dir": cfg.Storage.UploadDir,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
