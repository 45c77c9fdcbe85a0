package workflow

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"go.opentelemetry.io/otel/attribute"
)

// BulkCancelInput selects collections either by Ids or by Filter, never both.
type BulkCancelInput struct {
	Ids    []string                 `json:"ids"`
	Filter *models.CollectionFilter `json:"filter"`
	UserId string                   `json:"user_id"`
	Reason string                   `json:"reason"`
}

type BulkCancelResult struct {
	Cancelled int             `json:"cancelled"`
	Failed    int             `json:"failed"`
	Errors    []BulkItemError `json:"errors"`
	Total     int             `json:"total"`
}

// BulkCancel cancels every selected collection independently inside one transaction.
// Ids that are missing or already cancelled are reported without stopping the rest.
func (w *CollectionWorkflow) BulkCancel(ctx context.Context, input BulkCancelInput) (result *BulkCancelResult, err error) {
	ctx, finish := instrument(ctx, "bulk_cancel", attribute.Int("ids", len(input.Ids)))
	defer func() { finish(err) }()

	ids, err := w.validateBulkCancel(input)
	if err != nil {
		return nil, err
	}

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		if input.Filter != nil {
			found, err := tx.FindCollectionIds(*input.Filter, w.settings.MaxBulkCancel+1)
			if err != nil {
				return err
			}
			ids = found
			if len(ids) > w.settings.MaxBulkCancel {
				return models.NewValidationError("filter matches more than %d collections", w.settings.MaxBulkCancel)
			}
		}

		result = &BulkCancelResult{Errors: []BulkItemError{}, Total: len(ids)}
		for _, id := range ids {
			itemErr := tx.Savepoint(func(tx models.CollectionTx) error {
				_, err := w.cancelInTx(tx, id, input.UserId, input.Reason)
				return err
			})
			if itemErr != nil {
				if models.AbortsUnitOfWork(itemErr) {
					return itemErr
				}
				result.Failed++
				result.Errors = append(result.Errors, BulkItemError{Id: id, Message: itemErr.Error()})
				continue
			}
			result.Cancelled++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	countBulkItems("bulk_cancel", result.Cancelled, result.Failed)
	w.logger.WithFields(logrus.Fields{
		"module":    "collections",
		"user_id":   input.UserId,
		"total":     result.Total,
		"cancelled": result.Cancelled,
		"failed":    result.Failed,
	}).Info("bulk cancel finished")
	if result.Cancelled > 0 {
		w.notifier.CollectionsChanged(ctx)
	}
	return result, nil
}

func (w *CollectionWorkflow) validateBulkCancel(input BulkCancelInput) ([]string, error) {
	if strings.TrimSpace(input.UserId) == "" {
		return nil, models.NewValidationError("user id is required")
	}
	hasIds := len(input.Ids) > 0
	hasFilter := input.Filter != nil
	switch {
	case hasIds && hasFilter:
		return nil, models.NewValidationError("provide either ids or a filter, not both")
	case !hasIds && !hasFilter:
		return nil, models.NewValidationError("ids or a filter is required")
	case hasFilter:
		if input.Filter.IsEmpty() {
			return nil, models.NewValidationError("filter requires at least one criterion")
		}
		if input.Filter.Status != nil && !input.Filter.Status.IsValid() {
			return nil, models.NewValidationError("unknown status %q", *input.Filter.Status)
		}
		if input.Filter.Source != nil && !input.Filter.Source.IsValid() {
			return nil, models.NewValidationError("unknown source %q", *input.Filter.Source)
		}
		if input.Filter.From != nil && input.Filter.To != nil && input.Filter.From.After(*input.Filter.To) {
			return nil, models.NewValidationError("filter from must not be after to")
		}
		return nil, nil
	}

	ids := utils.UniqueSlice(input.Ids)
	if len(ids) == 0 {
		return nil, models.NewValidationError("ids must not be blank")
	}
	if len(ids) > w.settings.MaxBulkCancel {
		return nil, models.NewValidationError("at most %d collections can be cancelled at once, got %d", w.settings.MaxBulkCancel, len(ids))
	}
	return ids, nil
}
