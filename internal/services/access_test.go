package services

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sharex/backend/internal/models"
	"gorm.io/gorm"
)

func setupAccessTestDB(t *testing.T) *gorm.DB {
	t.Helper()
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
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	return db
}

func createAccessTestUser(t *testing.T, db *gorm.DB, email string) *models.User {
	t.Helper()
	user := &models.User{
		Email:        email,
		PasswordHash: "hash",
		Name:         "Access User",
		Role:         models.UserRoleUser,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	return user
}

func TestEvaluateRead(t *testing.T) {
	ownerID := uuid.New()
	granteeID := uuid.New()
	strangerID := uuid.New()
	now := time.Now()

	file := &models.File{
		BaseModel: models.BaseModel{ID: uuid.New()},
		OwnerID:   ownerID,
	}
	grants := []models.FileGrant{{FileID: file.ID, UserID: granteeID}}

	openLink := func() *models.ShareLink {
		return &models.ShareLink{
			BaseModel: models.BaseModel{ID: uuid.New()},
			FileID:    file.ID,
		}
	}

	t.Run("owner always reads", func(t *testing.T) {
		decision := EvaluateRead(ownerID, file, nil, nil, now)
		if !decision.Allow || decision.Reason != ReasonOwner {
			t.Fatalf("expected owner allow, got %+v", decision)
		}
	})

	t.Run("direct grant reads", func(t *testing.T) {
		decision := EvaluateRead(granteeID, file, grants, nil, now)
		if !decision.Allow || decision.Reason != ReasonDirectShare {
			t.Fatalf("expected direct-share allow, got %+v", decision)
		}
	})

	t.Run("stranger without link is forbidden", func(t *testing.T) {
		decision := EvaluateRead(strangerID, file, grants, nil, now)
		if decision.Allow || decision.Reason != ReasonForbidden {
			t.Fatalf("expected forbidden, got %+v", decision)
		}
	})

	t.Run("open link admits anyone", func(t *testing.T) {
		decision := EvaluateRead(strangerID, file, nil, openLink(), now)
		if !decision.Allow || decision.Reason != ReasonLink {
			t.Fatalf("expected link allow, got %+v", decision)
		}
	})

	t.Run("link for another file grants nothing", func(t *testing.T) {
		link := openLink()
		link.FileID = uuid.New()
		decision := EvaluateRead(strangerID, file, nil, link, now)
		if decision.Allow || decision.Reason != ReasonForbidden {
			t.Fatalf("expected forbidden, got %+v", decision)
		}
	})

	t.Run("expiry is strict", func(t *testing.T) {
		link := openLink()
		exact := now
		link.ExpiresAt = &exact
		decision := EvaluateRead(strangerID, file, nil, link, now)
		if !decision.Allow {
			t.Fatalf("link expiring exactly now must still admit, got %+v", decision)
		}

		past := now.Add(-time.Nanosecond)
		link.ExpiresAt = &past
		decision = EvaluateRead(strangerID, file, nil, link, now)
		if decision.Allow || decision.Reason != ReasonExpired {
			t.Fatalf("expected expired, got %+v", decision)
		}
	})

	t.Run("allow-list excludes unlisted users", func(t *testing.T) {
		link := openLink()
		link.Entries = []models.ShareLinkEntry{
			{LinkID: link.ID, UserID: granteeID, Kind: models.LinkEntryAllowed},
		}

		decision := EvaluateRead(granteeID, file, nil, link, now)
		if !decision.Allow || decision.Reason != ReasonLink {
			t.Fatalf("expected listed user admitted, got %+v", decision)
		}

		decision = EvaluateRead(strangerID, file, nil, link, now)
		if decision.Allow || decision.Reason != ReasonNotAllowed {
			t.Fatalf("expected not-allowed, got %+v", decision)
		}
	})

	t.Run("restriction overrides allow-list", func(t *testing.T) {
		link := openLink()
		link.Entries = []models.ShareLinkEntry{
			{LinkID: link.ID, UserID: strangerID, Kind: models.LinkEntryAllowed},
			{LinkID: link.ID, UserID: strangerID, Kind: models.LinkEntryRestricted},
		}

		decision := EvaluateRead(strangerID, file, nil, link, now)
		if decision.Allow || decision.Reason != ReasonRestricted {
			t.Fatalf("expected restricted, got %+v", decision)
		}
	})

	t.Run("owner bypasses link restriction", func(t *testing.T) {
		link := openLink()
		link.Entries = []models.ShareLinkEntry{
			{LinkID: link.ID, UserID: ownerID, Kind: models.LinkEntryRestricted},
		}

		decision := EvaluateRead(ownerID, file, nil, link, now)
		if !decision.Allow || decision.Reason != ReasonOwner {
			t.Fatalf("expected owner allow, got %+v", decision)
		}
	})
}

func TestCanMutate(t *testing.T) {
	ownerID := uuid.New()
	file := &models.File{OwnerID: ownerID}

	if !CanMutate(ownerID, file) {
		t.Fatalf("owner must be allowed to mutate")
	}
	if CanMutate(uuid.New(), file) {
		t.Fatalf("non-owner must not be allowed to mutate")
	}
}

func TestAccessServiceGrants(t *testing.T) {
	db := setupAccessTestDB(t)
	service := NewAccessService(db)
	ctx := context.Background()

	owner := createAccessTestUser(t, db, "grants-owner@test.com")
	grantee := createAccessTestUser(t, db, "grants-user@test.com")

	file := &models.File{
		Name:        "grants.csv",
		StorageName: "grants.csv.gz",
		MimeType:    "text/csv",
		Size:        10,
		OwnerID:     owner.ID,
		Compressed:  true,
	}
	if err := db.Create(file).Error; err != nil {
		t.Fatalf("failed creating file: %v", err)
	}

	countGrants := func(t *testing.T) int64 {
		t.Helper()
		var count int64
		if err := db.Model(&models.FileGrant{}).Where("file_id = ?", file.ID).Count(&count).Error; err != nil {
			t.Fatalf("failed counting grants: %v", err)
		}
		return count
	}

	t.Run("grant then read", func(t *testing.T) {
		if err := service.GrantAccess(ctx, file, []uuid.UUID{grantee.ID}); err != nil {
			t.Fatalf("failed granting access: %v", err)
		}
		decision, err := service.CanRead(ctx, grantee.ID, file, "")
		if err != nil {
			t.Fatalf("failed evaluating access: %v", err)
		}
		if !decision.Allow || decision.Reason != ReasonDirectShare {
			t.Fatalf("expected direct-share allow, got %+v", decision)
		}
	})

	t.Run("repeated grants keep a single row", func(t *testing.T) {
		if err := service.GrantAccess(ctx, file, []uuid.UUID{grantee.ID, grantee.ID}); err != nil {
			t.Fatalf("failed re-granting access: %v", err)
		}
		if got := countGrants(t); got != 1 {
			t.Fatalf("expected 1 grant row, got %d", got)
		}
	})

	t.Run("owner is never added to the allow-list", func(t *testing.T) {
		if err := service.GrantAccess(ctx, file, []uuid.UUID{owner.ID}); err != nil {
			t.Fatalf("failed granting access: %v", err)
		}
		if got := countGrants(t); got != 1 {
			t.Fatalf("expected owner grant skipped, got %d rows", got)
		}
	})

	t.Run("revoke then re-grant", func(t *testing.T) {
		if err := service.RevokeAccess(ctx, file, []uuid.UUID{grantee.ID}); err != nil {
			t.Fatalf("failed revoking access: %v", err)
		}
		if got := countGrants(t); got != 0 {
			t.Fatalf("expected no grant rows after revoke, got %d", got)
		}

		decision, err := service.CanRead(ctx, grantee.ID, file, "")
		if err != nil {
			t.Fatalf("failed evaluating access: %v", err)
		}
		if decision.Allow {
			t.Fatalf("expected revoked user to be denied, got %+v", decision)
		}

		if err := service.GrantAccess(ctx, file, []uuid.UUID{grantee.ID}); err != nil {
			t.Fatalf("failed re-granting after revoke: %v", err)
		}
		if got := countGrants(t); got != 1 {
			t.Fatalf("expected re-grant to create a row, got %d", got)
		}
	})

	t.Run("revoking nobody is a no-op", func(t *testing.T) {
		if err := service.RevokeAccess(ctx, file, nil); err != nil {
			t.Fatalf("expected empty revoke to succeed: %v", err)
		}
	})
}

func TestAccessServiceLinks(t *testing.T) {
	db := setupAccessTestDB(t)
	service := NewAccessService(db)
	ctx := context.Background()

	owner := createAccessTestUser(t, db, "links-owner@test.com")
	reader := createAccessTestUser(t, db, "links-reader@test.com")

	file := &models.File{
		Name:        "links.csv",
		StorageName: "links.csv.gz",
		MimeType:    "text/csv",
		Size:        10,
		OwnerID:     owner.ID,
		Compressed:  true,
	}
	if err := db.Create(file).Error; err != nil {
		t.Fatalf("failed creating file: %v", err)
	}

	t.Run("issued link resolves and admits", func(t *testing.T) {
		expiry := int64(3600)
		link, err := service.IssueLink(ctx, owner.ID, file, &expiry, nil, nil)
		if err != nil {
			t.Fatalf("failed issuing link: %v", err)
		}
		if link.ExpiresAt == nil {
			t.Fatalf("expected an expiry on the issued link")
		}

		resolved, err := service.ResolveLink(ctx, link.Token)
		if err != nil {
			t.Fatalf("failed resolving link: %v", err)
		}
		if resolved.FileID != file.ID {
			t.Fatalf("resolved link references the wrong file")
		}

		decision, err := service.CanRead(ctx, reader.ID, file, link.Token)
		if err != nil {
			t.Fatalf("failed evaluating access: %v", err)
		}
		if !decision.Allow || decision.Reason != ReasonLink {
			t.Fatalf("expected link allow, got %+v", decision)
		}
	})

	t.Run("link without expiry never expires", func(t *testing.T) {
		link, err := service.IssueLink(ctx, owner.ID, file, nil, nil, nil)
		if err != nil {
			t.Fatalf("failed issuing link: %v", err)
		}
		if link.ExpiresAt != nil {
			t.Fatalf("expected no expiry, got %v", link.ExpiresAt)
		}
	})

	t.Run("entries are persisted per kind", func(t *testing.T) {
		link, err := service.IssueLink(ctx, owner.ID, file, nil,
			[]uuid.UUID{reader.ID}, []uuid.UUID{owner.ID})
		if err != nil {
			t.Fatalf("failed issuing link: %v", err)
		}

		resolved, err := service.ResolveLink(ctx, link.Token)
		if err != nil {
			t.Fatalf("failed resolving link: %v", err)
		}
		if allowed := resolved.AllowedUsers(); len(allowed) != 1 || allowed[0] != reader.ID {
			t.Fatalf("expected reader on the allow-list, got %v", allowed)
		}
		if restricted := resolved.RestrictedUsers(); len(restricted) != 1 || restricted[0] != owner.ID {
			t.Fatalf("expected owner on the restrict-list, got %v", restricted)
		}
	})

	t.Run("duplicate ids collapse to single entries", func(t *testing.T) {
		link, err := service.IssueLink(ctx, owner.ID, file, nil,
			[]uuid.UUID{reader.ID, reader.ID}, []uuid.UUID{owner.ID, owner.ID})
		if err != nil {
			t.Fatalf("failed issuing link with repeated ids: %v", err)
		}

		resolved, err := service.ResolveLink(ctx, link.Token)
		if err != nil {
			t.Fatalf("failed resolving link: %v", err)
		}
		if allowed := resolved.AllowedUsers(); len(allowed) != 1 {
			t.Fatalf("expected a single allow entry, got %v", allowed)
		}
		if restricted := resolved.RestrictedUsers(); len(restricted) != 1 {
			t.Fatalf("expected a single restrict entry, got %v", restricted)
		}
	})

	t.Run("unknown token behaves as no link", func(t *testing.T) {
		decision, err := service.CanRead(ctx, reader.ID, file, "no-such-token")
		if err != nil {
			t.Fatalf("failed evaluating access: %v", err)
		}
		if decision.Allow || decision.Reason != ReasonForbidden {
			t.Fatalf("expected forbidden, got %+v", decision)
		}
	})
}
