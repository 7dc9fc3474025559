package models

import (
	"time"

	"gorm.io/gorm"
)

// Assignment is one valuation engagement: a property valued for a bank branch.
// Field values and evidence links hang off it in their own tables, ordered by
// sort_order so the render context is deterministic.
type Assignment struct {
	ID           int    `gorm:"primary_key" json:"id"`
	BusinessId   string `gorm:"size:64;not null;index" json:"business_id"`
	BankName     string `gorm:"size:150;not null" json:"bank_name"`
	BranchName   string `gorm:"size:150" json:"branch_name"`
	ReportFamily string `gorm:"size:50" json:"report_family"`
	PropertyRef  string `gorm:"size:255" json:"property_ref"`

	// Factory-bridge traceability (optional upstream identifiers).
	WorkOrderId      *string `gorm:"size:100" json:"work_order_id"`
	SnapshotVersion  *int    `json:"snapshot_version"`
	TemplateSelector *string `gorm:"size:100" json:"template_selector"`
	ExportBundleHash *string `gorm:"size:128" json:"export_bundle_hash"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type AssignmentFieldValue struct {
	ID           int     `gorm:"primary_key" json:"id"`
	BusinessId   string  `gorm:"size:64;not null;index" json:"business_id"`
	AssignmentId int     `gorm:"not null;index:idx_afv_assignment" json:"assignment_id"`
	SectionKey   *string `gorm:"size:100" json:"section_key"`
	FieldKey     string  `gorm:"size:150;not null" json:"field_key"`
	Value        string  `gorm:"type:text" json:"value"`
	SortOrder    int     `gorm:"not null;default:0" json:"sort_order"`
}

type EvidenceLink struct {
	ID           int    `gorm:"primary_key" json:"id"`
	BusinessId   string `gorm:"size:64;not null;index" json:"business_id"`
	AssignmentId int    `gorm:"not null;index:idx_el_assignment" json:"assignment_id"`
	SectionKey   string `gorm:"size:100" json:"section_key"`
	Category     string `gorm:"size:50" json:"category"`
	SortOrder    int    `gorm:"not null;default:0" json:"sort_order"`
	DocumentId   int    `gorm:"not null" json:"document_id"`

	Document *Document `gorm:"foreignKey:DocumentId" json:"document"`
}

func GetAssignmentById(tx *gorm.DB, businessId string, id int) (*Assignment, error) {
	var result Assignment
	if err := tx.Where("business_id = ? AND id = ?", businessId, id).First(&result).Error; err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAssignmentFieldValues returns field rows in stable (sort_order, id) order.
func GetAssignmentFieldValues(tx *gorm.DB, businessId string, assignmentId int) ([]*AssignmentFieldValue, error) {
	var rows []*AssignmentFieldValue
	if err := tx.Where("business_id = ? AND assignment_id = ?", businessId, assignmentId).
		Order("sort_order ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAssignmentEvidenceLinks returns evidence rows in stable order with their
// referenced documents preloaded.
func GetAssignmentEvidenceLinks(tx *gorm.DB, businessId string, assignmentId int) ([]*EvidenceLink, error) {
	var rows []*EvidenceLink
	if err := tx.Preload("Document").
		Where("business_id = ? AND assignment_id = ?", businessId, assignmentId).
		Order("sort_order ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
