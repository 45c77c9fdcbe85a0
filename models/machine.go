package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Machine is a read-only view of the machine registry.
type Machine struct {
	ID        string    `gorm:"type:char(36);primaryKey" json:"id"`
	Code      string    `gorm:"size:50;uniqueIndex;not null" json:"code"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Location  string    `gorm:"size:255" json:"location"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasCoordinates reports whether the machine location is known.
func (m *Machine) HasCoordinates() bool {
	return m != nil && m.Latitude != nil && m.Longitude != nil
}

// MachineRegistry resolves machines from the machines table.
type MachineRegistry struct {
	db *gorm.DB
}

func NewMachineRegistry(db *gorm.DB) *MachineRegistry {
	return &MachineRegistry{db: db}
}

func (r *MachineRegistry) GetMachine(ctx context.Context, id string) (*Machine, error) {
	var m Machine
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("machine", id)
		}
		return nil, classifyDBError(err)
	}
	return &m, nil
}

// ResolveMachines loads every machine matching one of ids or codes in a single query.
func (r *MachineRegistry) ResolveMachines(ctx context.Context, ids []string, codes []string) ([]*Machine, error) {
	var machines []*Machine
	if len(ids) == 0 && len(codes) == 0 {
		return machines, nil
	}
	q := r.db.WithContext(ctx).Model(&Machine{})
	switch {
	case len(ids) > 0 && len(codes) > 0:
		q = q.Where("id IN ? OR code IN ?", ids, codes)
	case len(ids) > 0:
		q = q.Where("id IN ?", ids)
	default:
		q = q.Where("code IN ?", codes)
	}
	if err := q.Find(&machines).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return machines, nil
}
