package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CollectionHistory is one immutable field change on a collection.
//
// Rows are append-only: the gorm hooks below reject updates and deletes, and
// MigrateTable installs triggers that do the same for direct SQL. CollectionId is
// an indexed reference without a foreign key so the deletion tombstone written by
// Remove outlives the collection row.
type CollectionHistory struct {
	ID           string    `gorm:"type:char(36);primaryKey" json:"id"`
	CollectionId string    `gorm:"type:char(36);index;not null" json:"collection_id"`
	ChangedById  string    `gorm:"size:64;index;not null" json:"changed_by_id"`
	FieldName    string    `gorm:"size:50;not null" json:"field_name"`
	OldValue     *string   `gorm:"type:text" json:"old_value"`
	NewValue     *string   `gorm:"type:text" json:"new_value"`
	Reason       string    `gorm:"type:text" json:"reason"`
	CreatedAt    time.Time `gorm:"precision:3;autoCreateTime;index" json:"created_at"`
}

func (CollectionHistory) TableName() string {
	return "collection_history"
}

// CollectionHistoryPurge grants the DELETE trigger permission to remove the history
// of one collection. A grant only lives inside the Remove transaction.
type CollectionHistoryPurge struct {
	CollectionId string    `gorm:"type:char(36);primaryKey" json:"collection_id"`
	GrantedById  string    `gorm:"size:64;not null" json:"granted_by_id"`
	CreatedAt    time.Time `gorm:"precision:3;autoCreateTime" json:"created_at"`
}

func (CollectionHistoryPurge) TableName() string {
	return "collection_history_purges"
}

func (h *CollectionHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	return nil
}

func (h *CollectionHistory) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}

func (h *CollectionHistory) BeforeDelete(tx *gorm.DB) error {
	return ErrAuditImmutable
}

// NewHistoryEntry builds a history row for one changed field.
func NewHistoryEntry(collectionId, changedById, fieldName string, oldValue, newValue *string, reason string, at time.Time) *CollectionHistory {
	return &CollectionHistory{
		CollectionId: collectionId,
		ChangedById:  changedById,
		FieldName:    fieldName,
		OldValue:     oldValue,
		NewValue:     newValue,
		Reason:       reason,
		CreatedAt:    at,
	}
}

// NewStatusHistory records a status transition; from is nil on creation.
func NewStatusHistory(collectionId, changedById string, from *CollectionStatus, to CollectionStatus, reason string, at time.Time) *CollectionHistory {
	var oldValue *string
	if from != nil {
		s := from.String()
		oldValue = &s
	}
	newValue := to.String()
	return NewHistoryEntry(collectionId, changedById, HistoryFieldStatus, oldValue, &newValue, reason, at)
}
