package handlers

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
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

const maxFilesPerUpload = 20

type FilesHandler struct {
	DB      *gorm.DB
	Storage *storage.LocalStorage
	Access  *services.AccessService
	Audit   *services.AuditService
	Config  config.StorageConfig
}

func NewFilesHandler(db *gorm.DB, store *storage.LocalStorage, access *services.AccessService, audit *services.AuditService, cfg config.StorageConfig) *FilesHandler {
	return &FilesHandler{DB: db, Storage: store, Access: access, Audit: audit, Config: cfg}
}

// Upload accepts up to maxFilesPerUpload files from the multipart field
// "files". Every header is validated before any file is persisted, so a
// rejected batch leaves nothing behind. Each accepted file is streamed to
// disk under a generated name, compressed, and only then recorded, so a
// write failure never leaves a dangling record.
func (h *FilesHandler) Upload(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	form, err := c.MultipartForm()
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "multipart form is required")
	}

	fileHeaders := form.File["files"]
	if len(fileHeaders) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "at least one file is required")
	}
	if len(fileHeaders) > maxFilesPerUpload {
		return utils.Error(c, fiber.StatusBadRequest, fmt.Sprintf("at most %d files per upload", maxFilesPerUpload))
	}

	type pendingFile struct {
		header      *multipart.FileHeader
		filename    string
		contentType string
	}

	pending := make([]pendingFile, 0, len(fileHeaders))
	for _, fileHeader := range fileHeaders {
		filename := filepath.Base(strings.TrimSpace(fileHeader.Filename))
		if filename == "" || filename == "." {
			return utils.Error(c, fiber.StatusBadRequest, "invalid filename")
		}

		contentType := fileHeader.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(filename))
		}
		if !h.mimeAllowed(contentType) {
			return utils.Error(c, fiber.StatusUnsupportedMediaType,
				fmt.Sprintf("file %q has disallowed type %q", filename, contentType))
		}

		if fileHeader.Size > h.Config.MaxFileSizeBytes {
			return utils.Error(c, fiber.StatusRequestEntityTooLarge,
				fmt.Sprintf("file %q exceeds maximum size of %d bytes", filename, h.Config.MaxFileSizeBytes))
		}

		pending = append(pending, pendingFile{header: fileHeader, filename: filename, contentType: contentType})
	}

	saved := make([]models.File, 0, len(pending))

	for _, p := range pending {
		fileHeader, filename, contentType := p.header, p.filename, p.contentType

		stream, err := fileHeader.Open()
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed opening uploaded file")
		}

		// Storage name is generated, never derived from the client filename.
		storageName := uuid.New().String() + filepath.Ext(filename)
		size, err := h.Storage.Save(storageName, stream)
		stream.Close()
		if err != nil {
			if err == storage.ErrFileTooLarge {
				return utils.Error(c, fiber.StatusRequestEntityTooLarge,
					fmt.Sprintf("file %q exceeds maximum size of %d bytes", filename, h.Config.MaxFileSizeBytes))
			}
			logger.ErrorWithUser(currentUser.ID.String(), "upload_write_failed", err, map[string]interface{}{
				"file_name": filename,
			})
			return utils.Error(c, fiber.StatusInternalServerError, "failed storing uploaded file")
		}

		gzName, err := h.Storage.Compress(storageName)
		if err != nil {
			_ = h.Storage.Delete(storageName)
			logger.ErrorWithUser(currentUser.ID.String(), "upload_compress_failed", err, map[string]interface{}{
				"file_name": filename,
			})
			return utils.Error(c, fiber.StatusInternalServerError, "failed compressing uploaded file")
		}

		entry := models.File{
			Name:        filename,
			StorageName: gzName,
			MimeType:    contentType,
			Size:        size,
			OwnerID:     currentUser.ID,
			Compressed:  true,
		}

		if err := h.DB.Create(&entry).Error; err != nil {
			_ = h.Storage.Delete(gzName)
			return utils.Error(c, fiber.StatusInternalServerError, "failed creating file record")
		}

		logger.InfoWithUser(currentUser.ID.String(), "file_uploaded", map[string]interface{}{
			"file_id":      entry.ID.String(),
			"file_name":    filename,
			"file_size":    size,
			"mime_type":    contentType,
			"storage_name": gzName,
		})

		h.Audit.LogAsync(services.AuditEntry{
			UserID: &currentUser.ID,
			FileID: &entry.ID,
			Action: "upload",
			Details: map[string]interface{}{
				"file_name": filename,
				"file_size": size,
				"mime_type": contentType,
			},
			IPAddress: c.IP(),
			RequestID: getRequestID(c),
		})

		saved = append(saved, entry)
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"files": saved})
}

// List returns the caller's own files and the files shared with them
// through the direct allow-list.
func (h *FilesHandler) List(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var owned []models.File
	if err := h.DB.Where("owner_id = ?", currentUser.ID).
		Order("created_at DESC").
		Find(&owned).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing owned files")
	}

	var shared []models.File
	if err := h.DB.Preload("Owner").
		Joins("JOIN file_grants ON file_grants.file_id = files.id AND file_grants.user_id = ?", currentUser.ID).
		Order("files.created_at DESC").
		Find(&shared).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing shared files")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"ownerFiles":  owned,
		"sharedFiles": shared,
	})
}

// Download streams file bytes to the requester, gunzipping transparently
// when the record is compressed. A share-link token may be supplied via the
// token query parameter. Authorization is checked once before streaming
// begins; the audit entry records that a download was authorized and
// initiated, not that it completed.
func (h *FilesHandler) Download(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	var file models.File
	if err := h.DB.First(&file, "id = ?", fileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "file not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading file")
	}

	token := strings.TrimSpace(c.Query("token"))
	decision, err := h.Access.CanRead(c.Context(), currentUser.ID, &file, token)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed evaluating access")
	}
	if !decision.Allow {
		logger.WarnWithUser(currentUser.ID.String(), "download_denied", map[string]interface{}{
			"file_id": file.ID.String(),
			"reason":  decision.Reason,
		})
		status, message := denialResponse(decision.Reason)
		return utils.Error(c, status, message)
	}

	var stream io.ReadCloser
	if file.Compressed {
		stream, err = h.Storage.OpenDecompressed(file.StorageName)
	} else {
		stream, err = h.Storage.Open(file.StorageName)
	}
	if err != nil {
		if err == storage.ErrNotFound {
			logger.Error("stored_bytes_missing", err, map[string]interface{}{
				"file_id":      file.ID.String(),
				"storage_name": file.StorageName,
			})
			return utils.Error(c, fiber.StatusInternalServerError, "file bytes missing from storage")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed opening stored file")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &file.ID,
		Action: "download",
		Details: map[string]interface{}{
			"file_name": file.Name,
			"via":       decision.Reason,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	contentType := file.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Set("Content-Type", contentType)
	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	return c.SendStream(stream)
}

// AuditTrail returns the most recent audit entries for a file. Owner only.
func (h *FilesHandler) AuditTrail(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	var file models.File
	if err := h.DB.First(&file, "id = ?", fileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "file not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading file")
	}

	if !services.CanMutate(currentUser.ID, &file) {
		return utils.Error(c, fiber.StatusForbidden, "not owner")
	}

	var logs []models.AuditLog
	if err := h.DB.Preload("User").
		Where("file_id = ?", file.ID).
		Order("created_at DESC").
		Limit(200).
		Find(&logs).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading audit entries")
	}

	return utils.Success(c, fiber.StatusOK, logs)
}

// Delete removes a file record and its stored bytes. Owner only.
func (h *FilesHandler) Delete(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	var file models.File
	if err := h.DB.First(&file, "id = ?", fileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "file not found")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading file")
	}

	if !services.CanMutate(currentUser.ID, &file) {
		return utils.Error(c, fiber.StatusForbidden, "not owner")
	}

	if err := h.Storage.Delete(file.StorageName); err != nil {
		logger.Error("stored_bytes_delete_failed", err, map[string]interface{}{
			"file_id":      file.ID.String(),
			"storage_name": file.StorageName,
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed deleting stored file")
	}

	if err := h.DB.Where("file_id = ?", file.ID).Delete(&models.FileGrant{}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed removing file grants")
	}
	if err := h.DB.Delete(&file).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed deleting file record")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &file.ID,
		Action: "delete",
		Details: map[string]interface{}{
			"file_name": file.Name,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "file deleted"})
}

func (h *FilesHandler) mimeAllowed(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	for _, allowed := range h.Config.AllowedMimeTypes {
		if strings.EqualFold(mediaType, allowed) {
			return true
		}
	}
	return false
}

// denialResponse maps an access-evaluation reason to the status and message
// surfaced to the caller. Expired links are distinguished from plain
// authorization failures.
func denialResponse(reason string) (int, string) {
	switch reason {
	case services.ReasonExpired:
		return fiber.StatusGone, "link expired"
	case services.ReasonRestricted:
		return fiber.StatusForbidden, "you are restricted from accessing this link"
	case services.ReasonNotAllowed:
		return fiber.StatusForbidden, "not allowed"
	default:
		return fiber.StatusForbidden, "access denied"
	}
}
