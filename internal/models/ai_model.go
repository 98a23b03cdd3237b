package models

import "time"

// AIModel is a callable model known to the gateway.
type AIModel struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Name     string `gorm:"type:varchar(255);not null;uniqueIndex"` // Model name used by callers.
	Provider string `gorm:"type:varchar(255);index"`                // Upstream provider name.
	IsActive bool   `gorm:"not null;default:true"`                  // Inactive models cannot be authorized.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (AIModel) TableName() string {
	return "ai_models"
}
