package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"github.com/sharex/backend/internal/config"
	"github.com/sharex/backend/internal/middleware"
	"github.com/sharex/backend/internal/models"
	"github.com/sharex/backend/internal/services"
	"github.com/sharex/backend/internal/storage"
	"github.com/sharex/backend/pkg/logger"
	"github.com/sharex/backend/pkg/utils"
	"gorm.io/gorm"
)

// testMaxFileSize keeps upload size-limit cases cheap to exercise.
const testMaxFileSize = 1024

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	storage *storage.LocalStorage
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.User{},
		&models.File{},
		&models.FileGrant{},
		&models.ShareLink{},
		&models.ShareLinkEntry{},
		&models.AuditLog{},
		&models.AuditExportCursor{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	storageCfg := config.StorageConfig{
		UploadDir:        t.TempDir(),
		MaxFileSizeBytes: testMaxFileSize,
		AllowedMimeTypes: []string{
			"application/pdf",
			"image/png",
			"image/jpeg",
			"text/csv",
			"application/zip",
		},
	}

	localStorage, err := storage.NewLocalStorage(storageCfg.UploadDir, storageCfg.MaxFileSizeBytes)
	if err != nil {
		t.Fatalf("failed creating local storage: %v", err)
	}

	accessService := services.NewAccessService(db)
	auditService := services.NewAuditService(db, nil)

	authHandler := NewAuthHandler(db, auditService)
	usersHandler := NewUsersHandler(db)
	filesHandler := NewFilesHandler(db, localStorage, accessService, auditService, storageCfg)
	linksHandler := NewLinksHandler(db, accessService, auditService)
	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 64 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS([]string{"http://localhost:3000"}))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

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

	return &testEnv{app: app, db: db, storage: localStorage}
}

func createTestUser(t *testing.T, db *gorm.DB, email, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Name:         "Test User",
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

type uploadPart struct {
	filename    string
	contentType string
	content     []byte
}

// performUpload posts the given parts as the multipart "files" field.
func performUpload(t *testing.T, app *fiber.App, parts []uploadPart, headers map[string]string) *http.Response {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for _, part := range parts {
		header := textproto.MIMEHeader{}
		header.Set("Content-Disposition", `form-data; name="files"; filename="`+part.filename+`"`)
		header.Set("Content-Type", part.contentType)

		dst, err := writer.CreatePart(header)
		if err != nil {
			t.Fatalf("failed creating multipart part: %v", err)
		}
		if _, err := dst.Write(part.content); err != nil {
			t.Fatalf("failed writing multipart part: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed closing multipart writer: %v", err)
	}

	requestHeaders := map[string]string{"Content-Type": writer.FormDataContentType()}
	for key, value := range headers {
		requestHeaders[key] = value
	}

	return performRequest(t, app, http.MethodPost, "/api/files/upload", &body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

// waitForAuditEntries polls for audit rows written through the async queue.
func waitForAuditEntries(t *testing.T, db *gorm.DB, action string, fileID uuid.UUID, want int64) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for {
		var count int64
		query := db.Model(&models.AuditLog{}).Where("action = ?", action)
		if fileID != uuid.Nil {
			query = query.Where("file_id = ?", fileID)
		}
		if err := query.Count(&count).Error; err != nil {
			t.Fatalf("failed counting audit entries: %v", err)
		}
		if count >= want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d audit entries for action %q, got %d", want, action, count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
