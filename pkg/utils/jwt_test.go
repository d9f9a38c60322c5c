package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sharex/backend/internal/models"
)

func TestGenerateAndValidateToken(t *testing.T) {
	ConfigureJWT("test-secret", 1)

	user := &models.User{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Email:     "jwt@test.com",
		Role:      models.UserRoleUser,
	}

	token, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating token: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("failed validating token: %v", err)
	}
	if claims.UserID != user.ID {
		t.Fatalf("expected user id %s, got %s", user.ID, claims.UserID)
	}
	if claims.Email != user.Email {
		t.Fatalf("expected email %s, got %s", user.Email, claims.Email)
	}
	if claims.Role != models.UserRoleUser {
		t.Fatalf("expected role user, got %s", claims.Role)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	ConfigureJWT("test-secret", 1)

	if _, err := ValidateToken("not-a-jwt"); err == nil {
		t.Fatalf("expected an error for a malformed token")
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	ConfigureJWT("secret-one", 1)
	user := &models.User{
		BaseModel: models.BaseModel{ID: uuid.New()},
		Email:     "jwt@test.com",
		Role:      models.UserRoleUser,
	}
	token, err := GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating token: %v", err)
	}

	ConfigureJWT("secret-two", 1)
	if _, err := ValidateToken(token); err == nil {
		t.Fatalf("expected validation to fail after a secret change")
	}
}
