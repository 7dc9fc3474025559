package models

import (
	"time"

	"gorm.io/gorm"
)

// ReportPackArtifact is one generated file linked to a pack. A (pack, kind,
// part_name) combination is created at most once, which is what makes
// interrupted jobs resumable; only size and checksum may change afterwards,
// when the photo embedder rewrites the file.
type ReportPackArtifact struct {
	ID           int          `gorm:"primary_key" json:"id"`
	BusinessId   string       `gorm:"size:64;not null;index" json:"business_id"`
	ReportPackId int          `gorm:"not null;index:uniq_pack_part,unique" json:"report_pack_id"`
	Kind         ArtifactKind `gorm:"size:30;not null;index:uniq_pack_part,unique" json:"kind"`
	PartName     string       `gorm:"size:100;not null;index:uniq_pack_part,unique" json:"part_name"`
	FileName     string       `gorm:"size:255;not null" json:"file_name"`
	StoragePath  string       `gorm:"size:500;not null" json:"storage_path"`
	Size         int64        `json:"size"`
	Checksum     *string      `gorm:"size:128" json:"checksum"`

	// Metadata carries the generator tag, export hash, template hash and any
	// factory-bridge identifiers as JSON text.
	Metadata string `gorm:"type:text" json:"metadata"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// ArtifactExists reports whether this pack already has an artifact of the
// given kind for the part.
func ArtifactExists(tx *gorm.DB, packId int, kind ArtifactKind, partName string) (bool, error) {
	var count int64
	if err := tx.Model(&ReportPackArtifact{}).
		Where("report_pack_id = ? AND kind = ? AND part_name = ?", packId, kind, partName).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetPackArtifact fetches one artifact row by its natural key.
func GetPackArtifact(tx *gorm.DB, packId int, kind ArtifactKind, partName string) (*ReportPackArtifact, error) {
	var row ReportPackArtifact
	if err := tx.Where("report_pack_id = ? AND kind = ? AND part_name = ?", packId, kind, partName).
		First(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// RefreshFileInfo re-records size and checksum after a tool rewrote the file
// the row points at.
func (a *ReportPackArtifact) RefreshFileInfo(tx *gorm.DB, size int64, checksum string) error {
	a.Size = size
	a.Checksum = &checksum
	return tx.Model(&ReportPackArtifact{}).Where("id = ?", a.ID).
		Updates(map[string]interface{}{"size": size, "checksum": checksum}).Error
}

// GetPackArtifacts returns all artifact rows of a pack in insertion order.
func GetPackArtifacts(tx *gorm.DB, packId int) ([]*ReportPackArtifact, error) {
	var rows []*ReportPackArtifact
	if err := tx.Where("report_pack_id = ?", packId).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
