package models

import (
	"time"

	"gorm.io/datatypes"
)

// Character 已注册角色，Embedding 由参考图派生，重新注册时 Version+1
type Character struct {
	ID              string                       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name            string                       `gorm:"type:varchar(128)" json:"name"`
	Description     string                       `gorm:"type:text" json:"description"`
	ReferenceImages datatypes.JSONSlice[string]  `json:"referenceImages"`
	Embedding       datatypes.JSONSlice[float64] `json:"embedding,omitempty"`
	Version         int                          `json:"version"`
	CreatedAt       time.Time                    `json:"createdAt"`
	UpdatedAt       time.Time                    `json:"updatedAt"`
}

func (Character) TableName() string {
	return "character"
}
