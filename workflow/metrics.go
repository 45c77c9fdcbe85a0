package workflow

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vendcash/collections_backend/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("collections")

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collection_operations_total",
		Help: "Collection lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})

	bulkItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collection_bulk_items_total",
		Help: "Items processed by bulk collection operations.",
	}, []string{"operation", "outcome"})
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, models.ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, models.ErrDuplicateDetected):
		return "duplicate"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	}
	return "error"
}

// instrument opens a span for op; the returned func ends it and counts the outcome.
func instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "collections."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		operationsTotal.WithLabelValues(op, outcomeLabel(err)).Inc()
	}
}

func countBulkItems(op string, succeeded, failed int) {
	bulkItemsTotal.WithLabelValues(op, "success").Add(float64(succeeded))
	bulkItemsTotal.WithLabelValues(op, "failed").Add(float64(failed))
}
