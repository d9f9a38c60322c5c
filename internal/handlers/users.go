package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sharex/backend/internal/middleware"
	"github.com/sharex/backend/internal/models"
	"github.com/sharex/backend/pkg/utils"
	"gorm.io/gorm"
)

type UsersHandler struct {
	DB *gorm.DB
}

func NewUsersHandler(db *gorm.DB) *UsersHandler {
	return &UsersHandler{DB: db}
}

type userSummary struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// List returns every registered user except the caller, for populating
// share pickers.
func (h *UsersHandler) List(c *fiber.Ctx) error {
	currentUser := middleware.GetCurrentUser(c)
	if currentUser == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var users []models.User
	if err := h.DB.Select("id", "name", "email").
		Where("id <> ?", currentUser.ID).
		Order("name ASC").
		Find(&users).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed listing users")
	}

	summaries := make([]userSummary, len(users))
	for i, user := range users {
		summaries[i] = userSummary{ID: user.ID, Name: user.Name, Email: user.Email}
	}

	return utils.Success(c, fiber.StatusOK, summaries)
}
