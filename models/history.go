package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/valuation_backend/utils"
	"gorm.io/gorm"
)

// History is the append-only audit trail. Generation workflows run as the
// System user (user id 0), so unlike request-path writers the worker does not
// require a real user in context.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	BusinessId    string    `gorm:"index;not null" json:"business_id"`
	ActionType    string    `gorm:"size:40;not null" json:"action_type"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	Metadata      string    `gorm:"type:text" json:"metadata"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// CreateHistory appends an audit entry inside the caller's transaction.
// Metadata is marshalled best-effort; an unmarshalable payload degrades to "{}".
func CreateHistory(tx *gorm.DB, actionType string, referenceId int, referenceType string, description string, metadata interface{}) error {

	ctx := tx.Statement.Context
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		userId = 0
	}
	userName, ok := utils.GetUserNameFromContext(ctx)
	if !ok || userName == "" {
		userName = "System"
	}

	meta := "{}"
	if metadata != nil {
		if b, err := json.Marshal(metadata); err == nil {
			meta = string(b)
		}
	}

	history := History{
		BusinessId:    businessId,
		ActionType:    actionType,
		Description:   description,
		Metadata:      meta,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
	}
	return tx.Create(&history).Error
}
