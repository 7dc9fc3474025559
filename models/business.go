package models

import (
	"context"

	"bitbucket.org/mmdatafocus/valuation_backend/config"
	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"gorm.io/gorm"
)

// Business is the tenant row. The stage gates (photo intelligence, PDF
// conversion) are per-tenant feature flags read by the orchestrator.
type Business struct {
	ID       string `gorm:"primary_key;size:64" json:"id"`
	Name     string `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Email    string `gorm:"size:255" json:"email"`
	Phone    string `gorm:"size:20" json:"phone"`
	Address  string `gorm:"type:text" json:"address"`
	Timezone string `gorm:"size:50" json:"timezone"`

	EnablePhotoIntelligence bool `gorm:"not null;default:false" json:"enable_photo_intelligence"`
	EnablePdfConversion     bool `gorm:"not null;default:false" json:"enable_pdf_conversion"`
}

func (b *Business) StoreRedis() error {
	return config.SetRedisObject("Business:"+b.ID, b, 0)
}

func GetBusinessById(ctx context.Context, id string) (*Business, error) {

	var result Business

	exists, err := config.GetRedisObject("Business:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		db := config.GetDB()
		err := db.WithContext(ctx).Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// GetBusinessById2 is the transactional variant: reads through the caller's tx
// so uncommitted tenant changes are visible inside a workflow.
func GetBusinessById2(tx *gorm.DB, id string) (*Business, error) {

	var result Business

	exists, err := config.GetRedisObject("Business:"+id, &result)
	if err != nil {
		return nil, err
	}

	if !exists {
		err := tx.Where("id = ?", id).First(&result).Error
		if err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		if err := result.StoreRedis(); err != nil {
			return nil, err
		}
	}
	return &result, nil
}
