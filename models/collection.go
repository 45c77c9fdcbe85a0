package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AmountScale is the number of decimal places the amount column keeps.
// Amounts with more places are rejected rather than rounded by the database.
const AmountScale = 4

// Collection is one physical cash pickup and its reconciliation.
type Collection struct {
	ID                  string              `gorm:"type:char(36);primaryKey" json:"id"`
	MachineId           string              `gorm:"type:char(36);index:idx_collections_machine_collected_at,priority:1;not null" json:"machine_id"`
	Machine             *Machine            `gorm:"foreignKey:MachineId" json:"machine,omitempty"`
	OperatorId          string              `gorm:"size:64;index;not null" json:"operator_id"`
	ManagerId           *string             `gorm:"size:64;index" json:"manager_id"`
	CollectedAt         time.Time           `gorm:"precision:3;index:idx_collections_machine_collected_at,priority:2;not null" json:"collected_at"`
	ReceivedAt          *time.Time          `gorm:"precision:3" json:"received_at"`
	Amount              decimal.NullDecimal `gorm:"type:decimal(20,4)" json:"amount"`
	Status              CollectionStatus    `gorm:"size:20;index;not null" json:"status"`
	Source              CollectionSource    `gorm:"size:20;index;not null" json:"source"`
	Latitude            *float64            `json:"latitude"`
	Longitude           *float64            `json:"longitude"`
	DistanceFromMachine *float64            `json:"distance_from_machine"`
	Notes               string              `gorm:"type:text" json:"notes"`
	CreatedAt           time.Time           `gorm:"precision:3;autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time           `gorm:"precision:3;autoUpdateTime" json:"updated_at"`
}

type NewCollection struct {
	MachineId          string           `json:"machine_id" validate:"required"`
	OperatorId         string           `json:"operator_id" validate:"required"`
	CollectedAt        time.Time        `json:"collected_at" validate:"required"`
	Latitude           *float64         `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude          *float64         `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
	Notes              string           `json:"notes" validate:"max=2000"`
	Source             CollectionSource `json:"source"`
	SkipDuplicateCheck bool             `json:"skip_duplicate_check"`
}

// CollectionFilter selects collections for bulk cancellation.
type CollectionFilter struct {
	Status     *CollectionStatus `json:"status"`
	MachineId  string            `json:"machine_id"`
	OperatorId string            `json:"operator_id"`
	Source     *CollectionSource `json:"source"`
	From       *time.Time        `json:"from"`
	To         *time.Time        `json:"to"`
}

// IsEmpty reports whether no criterion is set.
func (f CollectionFilter) IsEmpty() bool {
	return f.Status == nil && f.MachineId == "" && f.OperatorId == "" &&
		f.Source == nil && f.From == nil && f.To == nil
}

// Matches evaluates the filter in memory, mirroring the SQL built by the store.
func (f CollectionFilter) Matches(c *Collection) bool {
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.MachineId != "" && c.MachineId != f.MachineId {
		return false
	}
	if f.OperatorId != "" && c.OperatorId != f.OperatorId {
		return false
	}
	if f.Source != nil && c.Source != *f.Source {
		return false
	}
	if f.From != nil && c.CollectedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && c.CollectedAt.After(*f.To) {
		return false
	}
	return true
}

func (c *Collection) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Snapshot serializes the record without relations, used by the deletion tombstone.
func (c *Collection) Snapshot() string {
	cp := *c
	cp.Machine = nil
	b, _ := json.Marshal(cp)
	return string(b)
}
