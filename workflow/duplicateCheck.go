package workflow

import (
	"context"
	"time"

	"github.com/vendcash/collections_backend/models"
)

type duplicateFinder interface {
	FindDuplicate(ctx context.Context, machineId string, from, to time.Time) (*models.Collection, error)
}

// DuplicateDetector looks for a non-cancelled collection of the same machine whose
// collected_at lies within ±window of the probe time.
type DuplicateDetector struct {
	finder duplicateFinder
	window time.Duration
}

func NewDuplicateDetector(finder duplicateFinder, window time.Duration) *DuplicateDetector {
	return &DuplicateDetector{finder: finder, window: window}
}

// Find returns the matching collection, or nil when there is none.
func (d *DuplicateDetector) Find(ctx context.Context, machineId string, collectedAt time.Time) (*models.Collection, error) {
	from, to := d.bounds(collectedAt)
	return d.finder.FindDuplicate(ctx, machineId, from, to)
}

// FindInTx runs the same query inside a unit of work.
func (d *DuplicateDetector) FindInTx(tx models.CollectionTx, machineId string, collectedAt time.Time) (*models.Collection, error) {
	from, to := d.bounds(collectedAt)
	return tx.FindDuplicate(machineId, from, to)
}

func (d *DuplicateDetector) bounds(collectedAt time.Time) (time.Time, time.Time) {
	return collectedAt.Add(-d.window), collectedAt.Add(d.window)
}
