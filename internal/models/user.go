package models

type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

type User struct {
	BaseModel
	Email        string      `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string      `json:"-" gorm:"type:text;not null"`
	Name         string      `json:"name" gorm:"type:varchar(150);not null"`
	Role         UserRole    `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	Files        []File      `json:"-" gorm:"foreignKey:OwnerID"`
	Grants       []FileGrant `json:"-" gorm:"foreignKey:UserID"`
	ShareLinks   []ShareLink `json:"-" gorm:"foreignKey:CreatedByID"`
}
