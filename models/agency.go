package models

import "time"

// Agency is a managing unit (UASG) referenced by price registration records.
// Rows are upserted from record payloads and are never deleted.
type Agency struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	Uasg      string    `gorm:"uniqueIndex;size:20;not null" json:"uasg"`
	Name      string    `gorm:"size:255" json:"name"`
	Uf        string    `gorm:"size:2" json:"uf"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
