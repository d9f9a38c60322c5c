package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sharex/backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Decision is the outcome of a read-access evaluation. Reason is a stable
// tag surfaced in rejections and audit metadata, never an internal error.
type Decision struct {
	Allow  bool
	Reason string
}

const (
	ReasonOwner       = "owner"
	ReasonDirectShare = "direct-share"
	ReasonLink        = "link"
	ReasonExpired     = "expired"
	ReasonRestricted  = "restricted"
	ReasonNotAllowed  = "not-allowed"
	ReasonForbidden   = "forbidden"
)

// EvaluateRead decides whether requester may read file, optionally via a
// presented share link. First matching rule wins:
//
//  1. the file's owner may always read
//  2. members of the file's direct-share allow-list may read
//  3. a presented link grants access when it references this file, has not
//     expired, does not restrict the requester (restriction overrides any
//     allow-list membership), and either has an empty allow-list or lists
//     the requester
//  4. otherwise the read is forbidden
//
// The function is pure: all state arrives preloaded, expiry compares
// against the supplied clock.
func EvaluateRead(requesterID uuid.UUID, file *models.File, grants []models.FileGrant, link *models.ShareLink, now time.Time) Decision {
	if file.OwnerID == requesterID {
		return Decision{Allow: true, Reason: ReasonOwner}
	}

	for _, grant := range grants {
		if grant.UserID == requesterID {
			return Decision{Allow: true, Reason: ReasonDirectShare}
		}
	}

	if link != nil {
		if link.FileID != file.ID {
			return Decision{Reason: ReasonForbidden}
		}
		if link.Expired(now) {
			return Decision{Reason: ReasonExpired}
		}
		if containsUser(link.RestrictedUsers(), requesterID) {
			return Decision{Reason: ReasonRestricted}
		}
		if allowed := link.AllowedUsers(); len(allowed) > 0 && !containsUser(allowed, requesterID) {
			return Decision{Reason: ReasonNotAllowed}
		}
		return Decision{Allow: true, Reason: ReasonLink}
	}

	return Decision{Reason: ReasonForbidden}
}

// CanMutate reports whether requester may share, unshare, delete or read
// the audit trail of file. Only the owner may; links never grant mutation.
func CanMutate(requesterID uuid.UUID, file *models.File) bool {
	return file.OwnerID == requesterID
}

func containsUser(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// AccessService loads the state EvaluateRead needs and applies allow-list
// mutations as single atomic statements.
type AccessService struct {
	DB *gorm.DB
}

func NewAccessService(db *gorm.DB) *AccessService {
	return &AccessService{DB: db}
}

// CanRead evaluates a read of file by userID. A non-empty token is resolved
// against the file; a token that is unknown or references another file
// behaves as if no link were presented.
func (a *AccessService) CanRead(ctx context.Context, userID uuid.UUID, file *models.File, token string) (Decision, error) {
	var grants []models.FileGrant
	if err := a.DB.WithContext(ctx).Where("file_id = ?", file.ID).Find(&grants).Error; err != nil {
		return Decision{Reason: ReasonForbidden}, err
	}

	var link *models.ShareLink
	if token != "" {
		var candidate models.ShareLink
		err := a.DB.WithContext(ctx).
			Preload("Entries").
			Where("token = ? AND file_id = ?", token, file.ID).
			First(&candidate).Error
		switch err {
		case nil:
			link = &candidate
		case gorm.ErrRecordNotFound:
		default:
			return Decision{Reason: ReasonForbidden}, err
		}
	}

	return EvaluateRead(userID, file, grants, link, time.Now()), nil
}

// ResolveLink loads a share link with its entries and file by token.
func (a *AccessService) ResolveLink(ctx context.Context, token string) (*models.ShareLink, error) {
	var link models.ShareLink
	err := a.DB.WithContext(ctx).
		Preload("Entries").
		Preload("File").
		Where("token = ?", token).
		First(&link).Error
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GrantAccess adds userIDs to the file's allow-list. Granting is
// idempotent: already-present users are skipped by the conflict clause, and
// the owner never appears on their own allow-list.
func (a *AccessService) GrantAccess(ctx context.Context, file *models.File, userIDs []uuid.UUID) error {
	grants := make([]models.FileGrant, 0, len(userIDs))
	seen := map[uuid.UUID]bool{file.OwnerID: true}
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		grants = append(grants, models.FileGrant{FileID: file.ID, UserID: id})
	}
	if len(grants) == 0 {
		return nil
	}

	return a.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&grants).Error
}

// RevokeAccess removes userIDs from the file's allow-list. Revoking an
// absent user is a no-op.
func (a *AccessService) RevokeAccess(ctx context.Context, file *models.File, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}

	return a.DB.WithContext(ctx).
		Where("file_id = ? AND user_id IN ?", file.ID, userIDs).
		Delete(&models.FileGrant{}).Error
}

// IssueLink creates a share link for file owned by ownerID. The token is an
// opaque random UUID; a collision on the unique index would surface as a
// create error and is treated as fatal misconfiguration, not retried.
func (a *AccessService) IssueLink(ctx context.Context, ownerID uuid.UUID, file *models.File, expiresInSeconds *int64, allowedUsers, restrictedUsers []uuid.UUID) (*models.ShareLink, error) {
	link := models.ShareLink{
		Token:       uuid.New().String(),
		FileID:      file.ID,
		CreatedByID: ownerID,
	}
	if expiresInSeconds != nil {
		expiresAt := time.Now().Add(time.Duration(*expiresInSeconds) * time.Second)
		link.ExpiresAt = &expiresAt
	}

	// Duplicate ids within a list would collide on the entry unique index.
	seenAllowed := map[uuid.UUID]bool{}
	for _, id := range allowedUsers {
		if seenAllowed[id] {
			continue
		}
		seenAllowed[id] = true
		link.Entries = append(link.Entries, models.ShareLinkEntry{UserID: id, Kind: models.LinkEntryAllowed})
	}
	seenRestricted := map[uuid.UUID]bool{}
	for _, id := range restrictedUsers {
		if seenRestricted[id] {
			continue
		}
		seenRestricted[id] = true
		link.Entries = append(link.Entries, models.ShareLinkEntry{UserID: id, Kind: models.LinkEntryRestricted})
	}

	if err := a.DB.WithContext(ctx).Create(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}
