package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type LinkEntryKind string

const (
	LinkEntryAllowed    LinkEntryKind = "allowed"
	LinkEntryRestricted LinkEntryKind = "restricted"
)

// ShareLink is a capability token granting access to exactly one file.
// Links are immutable after creation; expiry is evaluated on each access,
// expired rows are never swept.
type ShareLink struct {
	BaseModel
	Token       string     `json:"token" gorm:"type:varchar(64);uniqueIndex;not null"`
	FileID      uuid.UUID  `json:"fileID" gorm:"type:uuid;not null;index"`
	CreatedByID uuid.UUID  `json:"createdByID" gorm:"type:uuid;not null;index"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`

	File      File             `json:"file,omitempty" gorm:"foreignKey:FileID;references:ID"`
	CreatedBy User             `json:"-" gorm:"foreignKey:CreatedByID;references:ID"`
	Entries   []ShareLinkEntry `json:"entries,omitempty" gorm:"foreignKey:LinkID"`
}

func (ShareLink) TableName() string {
	return "share_links"
}

// Expired reports whether the link's expiry is strictly in the past at now.
func (l *ShareLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// AllowedUsers returns the link's allow-list. Empty means any
// authenticated user may use the link.
func (l *ShareLink) AllowedUsers() []uuid.UUID {
	return l.entriesOfKind(LinkEntryAllowed)
}

// RestrictedUsers returns the link's restrict-list. Restriction always
// overrides any allow-list membership.
func (l *ShareLink) RestrictedUsers() []uuid.UUID {
	return l.entriesOfKind(LinkEntryRestricted)
}

func (l *ShareLink) entriesOfKind(kind LinkEntryKind) []uuid.UUID {
	var ids []uuid.UUID
	for _, e := range l.Entries {
		if e.Kind == kind {
			ids = append(ids, e.UserID)
		}
	}
	return ids
}

type ShareLinkEntry struct {
	ID        uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	LinkID    uuid.UUID     `json:"linkID" gorm:"type:uuid;not null;index;uniqueIndex:idx_link_user_kind"`
	UserID    uuid.UUID     `json:"userID" gorm:"type:uuid;not null;uniqueIndex:idx_link_user_kind"`
	Kind      LinkEntryKind `json:"kind" gorm:"type:varchar(20);not null;uniqueIndex:idx_link_user_kind"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (e *ShareLinkEntry) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (ShareLinkEntry) TableName() string {
	return "share_link_entries"
}
