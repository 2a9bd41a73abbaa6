package model

import (
	"time"
)

const (
	RoleAdmin    = "admin"
	RoleStandard = "standard"
)

type Role struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"type:VARCHAR(255);not null;uniqueIndex" json:"name"`
}

type User struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	AuthSubject string    `gorm:"type:VARCHAR(255);not null;uniqueIndex" json:"auth_subject"`
	APIKey      string    `gorm:"column:api_key;type:VARCHAR(255);not null;uniqueIndex" json:"-"`
	ContactName string    `gorm:"type:VARCHAR(255)" json:"contact_name"`
	RoleID      uint      `gorm:"not null" json:"role_id"`
	Role        *Role     `gorm:"constraint:OnDelete:RESTRICT;" json:"role,omitempty"`
	CreatedOn   time.Time `gorm:"not null" json:"created_on"`
}

func (u User) IsAdmin() bool {
	return u.Role != nil && u.Role.Name == RoleAdmin
}
