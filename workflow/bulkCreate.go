package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"go.opentelemetry.io/otel/attribute"
)

// BulkCreateItem references its machine by id or, failing that, by code.
type BulkCreateItem struct {
	MachineId   string           `json:"machine_id"`
	MachineCode string           `json:"machine_code"`
	CollectedAt time.Time        `json:"collected_at"`
	Amount      *decimal.Decimal `json:"amount"`
	Latitude    *float64         `json:"latitude"`
	Longitude   *float64         `json:"longitude"`
	Notes       string           `json:"notes"`
}

type BulkCreateInput struct {
	Items           []BulkCreateItem        `json:"items"`
	OperatorId      string                  `json:"operator_id"`
	Source          models.CollectionSource `json:"source"`
	CheckDuplicates bool                    `json:"check_duplicates"`
}

// BulkItemError describes one rejected item. Index is set for bulk create, Id for bulk cancel.
type BulkItemError struct {
	Index   *int   `json:"index,omitempty"`
	Id      string `json:"id,omitempty"`
	Message string `json:"message"`
}

type BulkCreateResult struct {
	Created     int                  `json:"created"`
	Failed      int                  `json:"failed"`
	Errors      []BulkItemError      `json:"errors"`
	Collections []*models.Collection `json:"collections"`
}

// BulkCreate records historical collections in one transaction. Items that fail
// on their own are reported and skipped; the rest commit together.
func (w *CollectionWorkflow) BulkCreate(ctx context.Context, input BulkCreateInput) (result *BulkCreateResult, err error) {
	ctx, finish := instrument(ctx, "bulk_create", attribute.Int("items", len(input.Items)))
	defer func() { finish(err) }()

	source, err := w.validateBulkCreate(input)
	if err != nil {
		return nil, err
	}

	machines, err := w.resolveBulkMachines(ctx, input.Items)
	if err != nil {
		return nil, err
	}

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		result = &BulkCreateResult{Errors: []BulkItemError{}, Collections: []*models.Collection{}}
		for i := range input.Items {
			item := input.Items[i]
			var created *models.Collection
			itemErr := tx.Savepoint(func(tx models.CollectionTx) error {
				var err error
				created, err = w.createBulkItem(tx, item, machines, input, source)
				return err
			})
			if itemErr != nil {
				if models.AbortsUnitOfWork(itemErr) {
					return itemErr
				}
				index := i
				result.Failed++
				result.Errors = append(result.Errors, BulkItemError{Index: &index, Message: itemErr.Error()})
				continue
			}
			result.Created++
			result.Collections = append(result.Collections, created)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	countBulkItems("bulk_create", result.Created, result.Failed)
	w.logger.WithFields(logrus.Fields{
		"module":      "collections",
		"operator_id": input.OperatorId,
		"source":      source,
		"created":     result.Created,
		"failed":      result.Failed,
	}).Info("bulk create finished")
	if result.Created > 0 {
		w.notifier.CollectionsChanged(ctx)
	}
	return result, nil
}

func (w *CollectionWorkflow) validateBulkCreate(input BulkCreateInput) (models.CollectionSource, error) {
	if len(input.Items) == 0 {
		return "", models.NewValidationError("at least one item is required")
	}
	if len(input.Items) > w.settings.MaxBulkCreate {
		return "", models.NewValidationError("at most %d items can be created at once, got %d", w.settings.MaxBulkCreate, len(input.Items))
	}
	if strings.TrimSpace(input.OperatorId) == "" {
		return "", models.NewValidationError("operator id is required")
	}
	source := input.Source
	if source == "" {
		source = models.CollectionSourceManualHistory
	}
	if !source.IsValid() {
		return "", models.NewValidationError("unknown source %q", source)
	}
	return source, nil
}

type machineLookup struct {
	byId   map[string]*models.Machine
	byCode map[string]*models.Machine
}

func (l machineLookup) find(item BulkCreateItem) (*models.Machine, error) {
	if item.MachineId != "" {
		if m, ok := l.byId[item.MachineId]; ok {
			return m, nil
		}
		return nil, models.NewNotFoundError("machine", item.MachineId)
	}
	if item.MachineCode != "" {
		if m, ok := l.byCode[item.MachineCode]; ok {
			return m, nil
		}
		return nil, models.NewNotFoundError("machine code", item.MachineCode)
	}
	return nil, models.NewValidationError("machine id or machine code is required")
}

// resolveBulkMachines loads every referenced machine with a single query.
func (w *CollectionWorkflow) resolveBulkMachines(ctx context.Context, items []BulkCreateItem) (machineLookup, error) {
	ids := make([]string, 0, len(items))
	codes := make([]string, 0, len(items))
	for _, item := range items {
		if item.MachineId != "" {
			ids = append(ids, item.MachineId)
		} else {
			codes = append(codes, item.MachineCode)
		}
	}
	lookup := machineLookup{byId: map[string]*models.Machine{}, byCode: map[string]*models.Machine{}}
	ids, codes = utils.UniqueSlice(ids), utils.UniqueSlice(codes)
	if len(ids) == 0 && len(codes) == 0 {
		return lookup, nil
	}
	machines, err := w.machines.ResolveMachines(ctx, ids, codes)
	if err != nil {
		return lookup, err
	}
	for _, m := range machines {
		lookup.byId[m.ID] = m
		lookup.byCode[m.Code] = m
	}
	return lookup, nil
}

func (w *CollectionWorkflow) createBulkItem(tx models.CollectionTx, item BulkCreateItem, machines machineLookup, input BulkCreateInput, source models.CollectionSource) (*models.Collection, error) {
	machine, err := machines.find(item)
	if err != nil {
		return nil, err
	}
	if item.CollectedAt.IsZero() {
		return nil, models.NewValidationError("collected at is required")
	}
	if err := validateCoordinates(item.Latitude, item.Longitude); err != nil {
		return nil, err
	}
	if item.Amount != nil {
		if err := w.validateAmount(*item.Amount); err != nil {
			return nil, err
		}
	}
	if input.CheckDuplicates {
		existing, err := w.duplicates.FindInTx(tx, machine.ID, item.CollectedAt)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &models.DuplicateDetectedError{ExistingId: existing.ID}
		}
	}

	now := w.now()
	collection := &models.Collection{
		MachineId:   machine.ID,
		OperatorId:  input.OperatorId,
		CollectedAt: item.CollectedAt,
		Status:      models.CollectionStatusCollected,
		Source:      source,
		Latitude:    item.Latitude,
		Longitude:   item.Longitude,
		Notes:       strings.TrimSpace(item.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if item.Amount != nil {
		collection.Status = models.CollectionStatusReceived
		collection.ManagerId = &input.OperatorId
		collection.ReceivedAt = &now
		collection.Amount = decimal.NewNullDecimal(*item.Amount)
	}
	w.annotateDistance(collection, machine)

	if err := tx.CreateCollection(collection); err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("imported (%s)", source)
	entries := []*models.CollectionHistory{
		models.NewStatusHistory(collection.ID, input.OperatorId, nil, collection.Status, reason, now),
	}
	if collection.Amount.Valid {
		entries = append(entries, models.NewHistoryEntry(collection.ID, input.OperatorId, models.HistoryFieldAmount,
			nil, utils.DecimalString(collection.Amount), reason, now))
	}
	if err := tx.AppendHistory(entries...); err != nil {
		return nil, err
	}
	collection.Machine = machine
	return collection, nil
}
