package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/config"
	"github.com/vendcash/collections_backend/models"
	"github.com/vendcash/collections_backend/utils"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultCancelReason is recorded when a cancellation carries no reason.
const DefaultCancelReason = "Cancelled without a reason"

// CollectionWorkflow owns every write to collections and their history.
//
// Mutations of an existing collection follow one protocol: open a transaction,
// lock the bare row, check the status against the locked row, reload the row
// with its relations, write the change and its history, commit, and only then
// invalidate report caches.
type CollectionWorkflow struct {
	store        Store
	machines     MachineDirectory
	notifier     *Notifier
	duplicates   *DuplicateDetector
	creationLock CreationLock
	settings     config.CollectionSettings
	logger       *logrus.Logger
	now          func() time.Time
}

type Option func(*CollectionWorkflow)

func WithSettings(settings config.CollectionSettings) Option {
	return func(w *CollectionWorkflow) { w.settings = settings }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(w *CollectionWorkflow) { w.logger = logger }
}

func WithCreationLock(lock CreationLock) Option {
	return func(w *CollectionWorkflow) { w.creationLock = lock }
}

func WithClock(now func() time.Time) Option {
	return func(w *CollectionWorkflow) { w.now = now }
}

func NewCollectionWorkflow(store Store, machines MachineDirectory, notifier *Notifier, opts ...Option) *CollectionWorkflow {
	w := &CollectionWorkflow{
		store:        store,
		machines:     machines,
		notifier:     notifier,
		creationLock: noopCreationLock{},
		settings:     config.DefaultCollectionSettings(),
		logger:       config.GetLogger(),
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.duplicates = NewDuplicateDetector(store, w.settings.DuplicateWindow)
	return w
}

// Create records a new pickup in the collected state.
func (w *CollectionWorkflow) Create(ctx context.Context, input *models.NewCollection) (result *models.Collection, err error) {
	var machineId string
	if input != nil {
		machineId = input.MachineId
	}
	ctx, finish := instrument(ctx, "create", attribute.String("machine.id", machineId))
	defer func() { finish(err) }()

	source, err := w.validateNewCollection(input)
	if err != nil {
		return nil, err
	}

	machine, err := w.machines.GetMachine(ctx, input.MachineId)
	if err != nil {
		return nil, err
	}

	release, err := w.creationLock.Acquire(ctx, input.MachineId)
	if err != nil {
		return nil, err
	}
	defer release()

	if !input.SkipDuplicateCheck {
		existing, err := w.duplicates.Find(ctx, input.MachineId, input.CollectedAt)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, &models.DuplicateDetectedError{ExistingId: existing.ID}
		}
	}

	now := w.now()
	collection := &models.Collection{
		MachineId:   input.MachineId,
		OperatorId:  input.OperatorId,
		CollectedAt: input.CollectedAt,
		Status:      models.CollectionStatusCollected,
		Source:      source,
		Latitude:    input.Latitude,
		Longitude:   input.Longitude,
		Notes:       strings.TrimSpace(input.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.annotateDistance(collection, machine)

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		if err := tx.CreateCollection(collection); err != nil {
			return err
		}
		return tx.AppendHistory(models.NewStatusHistory(collection.ID, input.OperatorId, nil,
			models.CollectionStatusCollected, "collection recorded", now))
	})
	if err != nil {
		return nil, err
	}
	collection.Machine = machine

	w.notifier.CollectionsChanged(ctx)
	w.notifier.PublishAsync(ctx, newCollectionEvent(ctx, EventCollectionCreated, collection, now))
	return collection, nil
}

// Receive records the counted amount and moves a collection to received.
func (w *CollectionWorkflow) Receive(ctx context.Context, id string, managerId string, amount decimal.Decimal, notes *string) (result *models.Collection, err error) {
	ctx, finish := instrument(ctx, "receive", attribute.String("collection.id", id))
	defer func() { finish(err) }()

	if strings.TrimSpace(managerId) == "" {
		return nil, models.NewValidationError("manager id is required")
	}
	if err := w.validateAmount(amount); err != nil {
		return nil, err
	}

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		locked, err := tx.LockCollection(id)
		if err != nil {
			return err
		}
		if !locked.Status.CanTransitionTo(models.CollectionStatusReceived) {
			return models.NewInvalidStateError("receive", locked.Status)
		}

		collection, err := tx.LoadCollection(id)
		if err != nil {
			return err
		}

		now := w.now()
		previousAmount := utils.DecimalString(collection.Amount)
		collection.Status = models.CollectionStatusReceived
		collection.ManagerId = &managerId
		collection.ReceivedAt = &now
		collection.Amount = decimal.NewNullDecimal(amount)
		collection.UpdatedAt = now
		columns := []string{"status", "manager_id", "received_at", "amount", "updated_at"}
		if notes != nil {
			collection.Notes = strings.TrimSpace(*notes)
			columns = append(columns, "notes")
		}
		if err := tx.UpdateCollection(collection, columns...); err != nil {
			return err
		}

		reason := "collection received"
		if notes != nil && strings.TrimSpace(*notes) != "" {
			reason = strings.TrimSpace(*notes)
		}
		from := locked.Status
		err = tx.AppendHistory(
			models.NewStatusHistory(id, managerId, &from, models.CollectionStatusReceived, reason, now),
			models.NewHistoryEntry(id, managerId, models.HistoryFieldAmount, previousAmount, utils.DecimalString(collection.Amount), reason, now),
		)
		if err != nil {
			return err
		}
		result = collection
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.notifier.CollectionsChanged(ctx)
	return result, nil
}

// Edit corrects the amount of a received collection. An unchanged amount writes nothing.
func (w *CollectionWorkflow) Edit(ctx context.Context, id string, userId string, amount decimal.Decimal, reason string) (result *models.Collection, err error) {
	ctx, finish := instrument(ctx, "edit", attribute.String("collection.id", id))
	defer func() { finish(err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, models.NewValidationError("reason is required")
	}
	if strings.TrimSpace(userId) == "" {
		return nil, models.NewValidationError("user id is required")
	}
	if err := w.validateAmount(amount); err != nil {
		return nil, err
	}

	changed := false
	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		locked, err := tx.LockCollection(id)
		if err != nil {
			return err
		}
		if locked.Status != models.CollectionStatusReceived {
			return models.NewInvalidStateError("edit", locked.Status)
		}

		collection, err := tx.LoadCollection(id)
		if err != nil {
			return err
		}
		result = collection
		if collection.Amount.Valid && collection.Amount.Decimal.Equal(amount) {
			return nil
		}

		now := w.now()
		previousAmount := utils.DecimalString(collection.Amount)
		collection.Amount = decimal.NewNullDecimal(amount)
		collection.UpdatedAt = now
		if err := tx.UpdateCollection(collection, "amount", "updated_at"); err != nil {
			return err
		}
		if err := tx.AppendHistory(models.NewHistoryEntry(id, userId, models.HistoryFieldAmount,
			previousAmount, utils.DecimalString(collection.Amount), reason, now)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		w.notifier.CollectionsChanged(ctx)
	}
	return result, nil
}

// Cancel moves a collected or received collection to cancelled. Cancelling twice fails.
func (w *CollectionWorkflow) Cancel(ctx context.Context, id string, userId string, reason string) (result *models.Collection, err error) {
	ctx, finish := instrument(ctx, "cancel", attribute.String("collection.id", id))
	defer func() { finish(err) }()

	if strings.TrimSpace(userId) == "" {
		return nil, models.NewValidationError("user id is required")
	}

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		result, err = w.cancelInTx(tx, id, userId, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	w.notifier.CollectionsChanged(ctx)
	return result, nil
}

func (w *CollectionWorkflow) cancelInTx(tx models.CollectionTx, id string, userId string, reason string) (*models.Collection, error) {
	locked, err := tx.LockCollection(id)
	if err != nil {
		return nil, err
	}
	if locked.Status.IsTerminal() {
		return nil, models.ErrAlreadyCancelled
	}

	collection, err := tx.LoadCollection(id)
	if err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultCancelReason
	}
	now := w.now()
	from := collection.Status
	collection.Status = models.CollectionStatusCancelled
	collection.UpdatedAt = now
	if err := tx.UpdateCollection(collection, "status", "updated_at"); err != nil {
		return nil, err
	}
	if err := tx.AppendHistory(models.NewStatusHistory(id, userId, &from, models.CollectionStatusCancelled, reason, now)); err != nil {
		return nil, err
	}
	return collection, nil
}

// Remove deletes a collection and its history, leaving a single tombstone entry
// that records who deleted it and what the record looked like.
func (w *CollectionWorkflow) Remove(ctx context.Context, id string, userId string) (err error) {
	ctx, finish := instrument(ctx, "remove", attribute.String("collection.id", id))
	defer func() { finish(err) }()

	if strings.TrimSpace(userId) == "" {
		return models.NewValidationError("user id is required")
	}

	err = w.store.Transaction(ctx, func(tx models.CollectionTx) error {
		locked, err := tx.LockCollection(id)
		if err != nil {
			return err
		}

		snapshot := locked.Snapshot()
		tombstone := models.NewHistoryEntry(id, userId, models.HistoryFieldDeleted, &snapshot, nil, "collection removed", w.now())
		tombstone.ID = uuid.NewString()
		if err := tx.AppendHistory(tombstone); err != nil {
			return err
		}
		if err := tx.PurgeHistory(id, tombstone.ID, userId); err != nil {
			return err
		}
		return tx.DeleteCollection(id)
	})
	if err != nil {
		return err
	}

	w.logger.WithFields(logrus.Fields{
		"module":        "collections",
		"collection_id": id,
		"user_id":       userId,
	}).Info("collection removed")
	w.notifier.CollectionsChanged(ctx)
	return nil
}

func (w *CollectionWorkflow) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	return w.store.FindCollection(ctx, id)
}

// FindPending lists collections still waiting to be received.
func (w *CollectionWorkflow) FindPending(ctx context.Context) ([]*models.Collection, error) {
	return w.store.FindPending(ctx)
}

// GetHistory returns the audit trail of a collection, oldest first. A removed
// collection still answers with its tombstone.
func (w *CollectionWorkflow) GetHistory(ctx context.Context, id string) ([]*models.CollectionHistory, error) {
	entries, err := w.store.ListHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		if _, err := w.store.FindCollection(ctx, id); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// CheckDuplicate returns the collection that would block a create, or nil.
func (w *CollectionWorkflow) CheckDuplicate(ctx context.Context, machineId string, collectedAt time.Time) (*models.Collection, error) {
	if strings.TrimSpace(machineId) == "" {
		return nil, models.NewValidationError("machine id is required")
	}
	if collectedAt.IsZero() {
		return nil, models.NewValidationError("collected at is required")
	}
	return w.duplicates.Find(ctx, machineId, collectedAt)
}

func (w *CollectionWorkflow) validateNewCollection(input *models.NewCollection) (models.CollectionSource, error) {
	if input == nil {
		return "", models.NewValidationError("input is required")
	}
	if err := utils.ValidateStruct(input); err != nil {
		return "", models.NewValidationError("%s", err.Error())
	}
	if err := validateCoordinates(input.Latitude, input.Longitude); err != nil {
		return "", err
	}
	source := input.Source
	if source == "" {
		source = models.CollectionSourceRealtime
	}
	if !source.IsValid() {
		return "", models.NewValidationError("unknown source %q", source)
	}
	return source, nil
}

func validateCoordinates(lat, lon *float64) error {
	if (lat == nil) != (lon == nil) {
		return models.NewValidationError("latitude and longitude must be supplied together")
	}
	if lat != nil && (*lat < -90 || *lat > 90) {
		return models.NewValidationError("latitude out of range")
	}
	if lon != nil && (*lon < -180 || *lon > 180) {
		return models.NewValidationError("longitude out of range")
	}
	return nil
}

func (w *CollectionWorkflow) validateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return models.NewValidationError("amount must not be negative")
	}
	if !amount.Equal(amount.Round(models.AmountScale)) {
		return models.NewValidationError("amount must have at most %d decimal places", models.AmountScale)
	}
	if amount.GreaterThan(w.settings.MaxAmount) {
		return models.NewValidationError("amount must not exceed %s", w.settings.MaxAmount.String())
	}
	return nil
}

// annotateDistance sets DistanceFromMachine when both ends are known. A pickup far
// from the machine is logged, never rejected.
func (w *CollectionWorkflow) annotateDistance(c *models.Collection, machine *models.Machine) {
	if c.Latitude == nil || c.Longitude == nil || !machine.HasCoordinates() {
		return
	}
	distance := utils.HaversineDistance(*c.Latitude, *c.Longitude, *machine.Latitude, *machine.Longitude)
	c.DistanceFromMachine = &distance
	if distance > w.settings.DistanceWarningMeters {
		w.logger.WithFields(logrus.Fields{
			"module":      "collections",
			"machine_id":  machine.ID,
			"operator_id": c.OperatorId,
			"distance_m":  distance,
		}).Warn("collection recorded " + utils.FormatMeters(distance) + " away from machine")
	}
}
