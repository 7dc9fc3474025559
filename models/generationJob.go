package models

import (
	"time"

	"gorm.io/gorm"
)

// GenerationJob is the durable job row. Mutated only by the orchestrator and
// never deleted: the attempts counter and error message are the operator's
// audit surface for the queue's retry policy.
type GenerationJob struct {
	ID           int                 `gorm:"primary_key" json:"id"`
	BusinessId   string              `gorm:"size:64;not null;index" json:"business_id"`
	AssignmentId int                 `gorm:"not null;index" json:"assignment_id"`
	TemplateKey  string              `gorm:"size:100;not null" json:"template_key"`
	Status       GenerationJobStatus `gorm:"size:20;not null;index;default:Queued" json:"status"`
	Attempts     int                 `gorm:"not null;default:0" json:"attempts"`
	ReportPackId *int                `gorm:"index" json:"report_pack_id"`
	ErrorMessage *string             `gorm:"type:text" json:"error_message"`
	CreatedAt    time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetGenerationJobById(tx *gorm.DB, businessId string, id int) (*GenerationJob, error) {
	var job GenerationJob
	if err := tx.Where("business_id = ? AND id = ?", businessId, id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing moves a picked-up job into Processing, bumps attempts and
// clears the previous attempt's error.
func (j *GenerationJob) MarkProcessing(tx *gorm.DB) error {
	j.Status = GenerationJobStatusProcessing
	j.Attempts = j.Attempts + 1
	j.ErrorMessage = nil
	return tx.Model(&GenerationJob{}).Where("id = ?", j.ID).
		Updates(map[string]interface{}{
			"status":        GenerationJobStatusProcessing,
			"attempts":      gorm.Expr("attempts + 1"),
			"error_message": nil,
		}).Error
}

func (j *GenerationJob) MarkCompleted(tx *gorm.DB, packId int) error {
	j.Status = GenerationJobStatusCompleted
	j.ReportPackId = &packId
	return tx.Model(&GenerationJob{}).Where("id = ?", j.ID).
		Updates(map[string]interface{}{
			"status":         GenerationJobStatusCompleted,
			"report_pack_id": packId,
		}).Error
}

func (j *GenerationJob) MarkFailed(tx *gorm.DB, errMsg string) error {
	j.Status = GenerationJobStatusFailed
	j.ErrorMessage = &errMsg
	return tx.Model(&GenerationJob{}).Where("id = ?", j.ID).
		Updates(map[string]interface{}{
			"status":        GenerationJobStatusFailed,
			"error_message": &errMsg,
		}).Error
}
