package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type File struct {
	BaseModel
	Name        string    `json:"name" gorm:"type:varchar(255);not null"`
	StorageName string    `json:"-" gorm:"type:text;not null"`
	MimeType    string    `json:"mimeType" gorm:"type:varchar(255);not null"`
	Size        int64     `json:"size" gorm:"not null;default:0"`
	OwnerID     uuid.UUID `json:"ownerID" gorm:"type:uuid;not null;index"`
	Compressed  bool      `json:"compressed" gorm:"not null;default:false"`

	Owner  User        `json:"owner,omitempty" gorm:"foreignKey:OwnerID;references:ID"`
	Grants []FileGrant `json:"-" gorm:"foreignKey:FileID"`
}

// FileGrant is one entry of a file's direct-share allow-list. The
// (file_id, user_id) unique index gives the list set semantics and lets
// grant/revoke be expressed as single atomic statements instead of a
// read-modify-write of an array. Grants are hard-deleted on revoke so the
// unique slot is immediately reusable.
type FileGrant struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	FileID    uuid.UUID `json:"fileID" gorm:"type:uuid;not null;index;uniqueIndex:idx_file_user_grant"`
	UserID    uuid.UUID `json:"userID" gorm:"type:uuid;not null;index;uniqueIndex:idx_file_user_grant"`
	CreatedAt time.Time `json:"createdAt"`

	File File `json:"-" gorm:"foreignKey:FileID"`
	User User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

func (g *FileGrant) BeforeCreate(_ *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

func (FileGrant) TableName() string {
	return "file_grants"
}
