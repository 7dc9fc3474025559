package models

import "time"

// Document is one stored evidence file (photo, deed scan, screenshot).
// The file itself lives in blob storage; this row is metadata only.
type Document struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"size:64;not null;index" json:"business_id"`
	FileName    string    `gorm:"size:255;not null" json:"file_name"`
	ContentType string    `gorm:"size:100" json:"content_type"`
	StoragePath string    `gorm:"size:500" json:"storage_path"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}
