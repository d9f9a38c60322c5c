package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sharex/backend/internal/middleware"
	"github.com/sharex/backend/internal/models"
	"github.com/sharex/backend/internal/services"
	"github.com/sharex/backend/pkg/logger"
	"github.com/sharex/backend/pkg/utils"
	"gorm.io/gorm"
)

// LinksHandler covers the sharing surface: direct allow-list grants and
// tokenized share links.
type LinksHandler struct {
	DB     *gorm.DB
	Access *services.AccessService
	Audit  *services.AuditService
}

func NewLinksHandler(db *gorm.DB, access *services.AccessService, audit *services.AuditService) *LinksHandler {
	return &LinksHandler{DB: db, Access: access, Audit: audit}
}

type shareRequest struct {
	UserIDs []string `json:"userIds"`
}

// Share adds users to the file's direct-share allow-list. Owner only,
// idempotent: granting an already-present user changes nothing.
func (h *LinksHandler) Share(c *fiber.Ctx) error {
	currentUser, file, ok := h.loadOwnedFile(c)
	if !ok {
		return nil
	}

	var req shareRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	userIDs, err := parseUUIDList(req.UserIDs)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id in userIds")
	}

	if err := h.Access.GrantAccess(c.Context(), file, userIDs); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed granting access")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &file.ID,
		Action: "share_with_users",
		Details: map[string]interface{}{
			"added": req.UserIDs,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	allowList, err := h.loadAllowList(file.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed loading allow-list")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"file":         file,
		"allowedUsers": allowList,
	})
}

// Unshare removes users from the file's allow-list. Owner only, revoking
// an absent user is a no-op.
func (h *LinksHandler) Unshare(c *fiber.Ctx) error {
	currentUser, file, ok := h.loadOwnedFile(c)
	if !ok {
		return nil
	}

	var req shareRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	userIDs, err := parseUUIDList(req.UserIDs)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id in userIds")
	}

	if err := h.Access.RevokeAccess(c.Context(), file, userIDs); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed revoking access")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &file.ID,
		Action: "unshare",
		Details: map[string]interface{}{
			"removed": req.UserIDs,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "access revoked"})
}

type issueLinkRequest struct {
	ExpiresInSeconds *int64   `json:"expiresInSeconds"`
	AllowedUsers     []string `json:"allowedUsers"`
	RestrictedUsers  []string `json:"restrictedUsers"`
}

// IssueLink creates a tokenized share link for the file. Owner only.
func (h *LinksHandler) IssueLink(c *fiber.Ctx) error {
	currentUser, file, ok := h.loadOwnedFile(c)
	if !ok {
		return nil
	}

	var req issueLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ExpiresInSeconds != nil && *req.ExpiresInSeconds <= 0 {
		return utils.Error(c, fiber.StatusBadRequest, "expiresInSeconds must be positive")
	}

	allowedUsers, err := parseUUIDList(req.AllowedUsers)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id in allowedUsers")
	}
	restrictedUsers, err := parseUUIDList(req.RestrictedUsers)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id in restrictedUsers")
	}

	link, err := h.Access.IssueLink(c.Context(), currentUser.ID, file, req.ExpiresInSeconds, allowedUsers, restrictedUsers)
	if err != nil {
		logger.ErrorWithUser(currentUser.ID.String(), "link_issue_failed", err, map[string]interface{}{
			"file_id": file.ID.String(),
		})
		return utils.Error(c, fiber.StatusInternalServerError, "failed creating share link")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &file.ID,
		Action: "create_link",
		Details: map[string]interface{}{
			"token":            link.Token,
			"expires_at":       link.ExpiresAt,
			"allowed_users":    req.AllowedUsers,
			"restricted_users": req.RestrictedUsers,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"url":       "/api/files/link/" + link.Token,
		"token":     link.Token,
		"expiresAt": link.ExpiresAt,
	})
}

// Resolve maps a link token to the referenced file's metadata, subject to
// the same read evaluation as downloads.
func (h *LinksHandler) Resolve(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	token := c.Params("token")

	link, err := h.Access.ResolveLink(c.Context(), token)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return utils.Error(c, fiber.StatusNotFound, "invalid link")
		}
		return utils.Error(c, fiber.StatusInternalServerError, "failed resolving link")
	}

	decision, err := h.Access.CanRead(c.Context(), currentUser.ID, &link.File, link.Token)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed evaluating access")
	}
	if !decision.Allow {
		status, message := denialResponse(decision.Reason)
		return utils.Error(c, status, message)
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID: &currentUser.ID,
		FileID: &link.FileID,
		Action: "link_access",
		Details: map[string]interface{}{
			"token": link.Token,
			"via":   decision.Reason,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"file": fiber.Map{
			"id":       link.File.ID,
			"name":     link.File.Name,
			"mimeType": link.File.MimeType,
			"size":     link.File.Size,
		},
	})
}

// loadOwnedFile parses the :id parameter, loads the file and enforces the
// owner-only mutation rule shared by share, unshare and link issuance. On
// failure the rejection has already been written and ok is false.
func (h *LinksHandler) loadOwnedFile(c *fiber.Ctx) (currentUser *models.User, file *models.File, ok bool) {
	currentUser = middleware.GetCurrentUser(c)
	if currentUser == nil {
		_ = utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
		return nil, nil, false
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		_ = utils.Error(c, fiber.StatusBadRequest, "invalid file id")
		return nil, nil, false
	}

	var loaded models.File
	if err := h.DB.First(&loaded, "id = ?", fileID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			_ = utils.Error(c, fiber.StatusNotFound, "file not found")
		} else {
			_ = utils.Error(c, fiber.StatusInternalServerError, "failed loading file")
		}
		return nil, nil, false
	}

	if !services.CanMutate(currentUser.ID, &loaded) {
		_ = utils.Error(c, fiber.StatusForbidden, "not owner")
		return nil, nil, false
	}

	return currentUser, &loaded, true
}

func (h *LinksHandler) loadAllowList(fileID uuid.UUID) ([]userSummary, error) {
	var grants []models.FileGrant
	if err := h.DB.Preload("User").Where("file_id = ?", fileID).Find(&grants).Error; err != nil {
		return nil, err
	}

	summaries := make([]userSummary, len(grants))
	for i, grant := range grants {
		summaries[i] = userSummary{
			ID:    grant.UserID,
			Name:  grant.User.Name,
			Email: grant.User.Email,
		}
	}
	return summaries, nil
}
