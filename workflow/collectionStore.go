package workflow

import (
	"context"
	"time"

	"github.com/vendcash/collections_backend/models"
)

// Store is the transaction coordinator plus the read queries the engine needs.
// models.CollectionStore implements it on gorm.
type Store interface {
	Transaction(ctx context.Context, fn func(tx models.CollectionTx) error) error
	FindCollection(ctx context.Context, id string) (*models.Collection, error)
	FindPending(ctx context.Context) ([]*models.Collection, error)
	ListHistory(ctx context.Context, collectionId string) ([]*models.CollectionHistory, error)
	FindDuplicate(ctx context.Context, machineId string, from, to time.Time) (*models.Collection, error)
}

// MachineDirectory is the machine registry seen by the engine.
type MachineDirectory interface {
	GetMachine(ctx context.Context, id string) (*models.Machine, error)
	ResolveMachines(ctx context.Context, ids []string, codes []string) ([]*models.Machine, error)
}

var (
	_ Store            = (*models.CollectionStore)(nil)
	_ MachineDirectory = (*models.MachineRegistry)(nil)
)
