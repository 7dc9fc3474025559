package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReportPack is a versioned bundle of generated artifacts for one
// (assignment, template key) pair. Version is strictly increasing per pair,
// enforced by uniq_pack_version; concurrent creators retry on the duplicate-key
// conflict instead of racing to the same version.
type ReportPack struct {
	ID           int              `gorm:"primary_key" json:"id"`
	BusinessId   string           `gorm:"size:64;not null;index:uniq_pack_version,unique" json:"business_id"`
	AssignmentId int              `gorm:"not null;index:uniq_pack_version,unique" json:"assignment_id"`
	TemplateKey  string           `gorm:"size:100;not null;index:uniq_pack_version,unique" json:"template_key"`
	Version      int              `gorm:"not null;index:uniq_pack_version,unique" json:"version"`
	Status       ReportPackStatus `gorm:"size:20;not null;default:Generating" json:"status"`

	// ContextSnapshot captures what the pack was generated from (assignment
	// identity, field/evidence counts). Immutable after creation.
	ContextSnapshot string `gorm:"type:text" json:"context_snapshot"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetReportPackById(tx *gorm.DB, businessId string, id int) (*ReportPack, error) {
	var pack ReportPack
	if err := tx.Where("business_id = ? AND id = ?", businessId, id).First(&pack).Error; err != nil {
		return nil, err
	}
	return &pack, nil
}

// LatestPackVersion returns the highest existing version for the pair, zero
// when no pack exists yet. The locking read matters inside the duplicate-key
// retry loop: under REPEATABLE READ a plain read would keep returning the
// snapshot's max and re-insert the same conflicting version.
func LatestPackVersion(tx *gorm.DB, businessId string, assignmentId int, templateKey string) (int, error) {
	var version *int
	err := tx.Model(&ReportPack{}).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("business_id = ? AND assignment_id = ? AND template_key = ?", businessId, assignmentId, templateKey).
		Select("MAX(version)").Scan(&version).Error
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

func (p *ReportPack) MarkGenerated(tx *gorm.DB) error {
	p.Status = ReportPackStatusGenerated
	return tx.Model(&ReportPack{}).Where("id = ?", p.ID).
		Update("status", ReportPackStatusGenerated).Error
}

func (p *ReportPack) MarkFailed(tx *gorm.DB) error {
	p.Status = ReportPackStatusFailed
	return tx.Model(&ReportPack{}).Where("id = ?", p.ID).
		Update("status", ReportPackStatusFailed).Error
}
