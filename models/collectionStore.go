package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollectionTx is the unit of work handed to the lifecycle engine.
// Every method runs inside the surrounding database transaction.
type CollectionTx interface {
	// LockCollection takes an exclusive row lock and reads only the bare row.
	LockCollection(id string) (*Collection, error)
	// LoadCollection re-reads the row with its relations; call it after LockCollection.
	LoadCollection(id string) (*Collection, error)
	CreateCollection(c *Collection) error
	// UpdateCollection writes the listed columns of c.
	UpdateCollection(c *Collection, columns ...string) error
	DeleteCollection(id string) error
	AppendHistory(entries ...*CollectionHistory) error
	// PurgeHistory deletes the history of collectionId except keepId.
	PurgeHistory(collectionId, keepId, grantedById string) error
	FindDuplicate(machineId string, from, to time.Time) (*Collection, error)
	FindCollectionIds(filter CollectionFilter, limit int) ([]string, error)
	// Savepoint runs fn in a nested savepoint, rolled back alone when fn fails.
	Savepoint(fn func(tx CollectionTx) error) error
}

// CollectionStore is the gorm implementation of the collection transaction coordinator.
type CollectionStore struct {
	db *gorm.DB
}

func NewCollectionStore(db *gorm.DB) *CollectionStore {
	return &CollectionStore{db: db}
}

// Transaction runs fn in one database transaction. The transaction is always
// closed: committed when fn succeeds, rolled back on error or panic.
func (s *CollectionStore) Transaction(ctx context.Context, fn func(tx CollectionTx) error) (err error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrInfrastructure, tx.Error)
	}
	done := false
	defer func() {
		if done {
			return
		}
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
		tx.Rollback()
	}()

	if err := fn(&collectionTx{db: tx}); err != nil {
		return classifyDBError(err)
	}
	if err := tx.Commit().Error; err != nil {
		return classifyCommitError(err)
	}
	done = true
	return nil
}

func (s *CollectionStore) FindCollection(ctx context.Context, id string) (*Collection, error) {
	var c Collection
	err := s.db.WithContext(ctx).Preload("Machine").Where("id = ?", id).Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("collection", id)
		}
		return nil, classifyDBError(err)
	}
	return &c, nil
}

// FindPending lists collected rows newest first. Machines are not preloaded; the
// HTTP layer batches them through the machine loader.
func (s *CollectionStore) FindPending(ctx context.Context) ([]*Collection, error) {
	var results []*Collection
	err := s.db.WithContext(ctx).
		Where("status = ?", CollectionStatusCollected).
		Order("collected_at DESC").
		Find(&results).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return results, nil
}

func (s *CollectionStore) ListHistory(ctx context.Context, collectionId string) ([]*CollectionHistory, error) {
	var results []*CollectionHistory
	err := s.db.WithContext(ctx).
		Where("collection_id = ?", collectionId).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, classifyDBError(err)
	}
	return results, nil
}

func (s *CollectionStore) FindDuplicate(ctx context.Context, machineId string, from, to time.Time) (*Collection, error) {
	return findDuplicate(s.db.WithContext(ctx), machineId, from, to)
}

type collectionTx struct {
	db         *gorm.DB
	savepoints int
}

func (t *collectionTx) LockCollection(id string) (*Collection, error) {
	var c Collection
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("collection", id)
		}
		return nil, classifyDBError(err)
	}
	return &c, nil
}

func (t *collectionTx) LoadCollection(id string) (*Collection, error) {
	var c Collection
	err := t.db.Preload("Machine").Where("id = ?", id).Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("collection", id)
		}
		return nil, classifyDBError(err)
	}
	return &c, nil
}

func (t *collectionTx) CreateCollection(c *Collection) error {
	return classifyDBError(t.db.Omit(clause.Associations).Create(c).Error)
}

func (t *collectionTx) UpdateCollection(c *Collection, columns ...string) error {
	if len(columns) == 0 {
		return nil
	}
	// The row is locked by the caller, so a zero RowsAffected only means nothing changed.
	return classifyDBError(t.db.Model(c).Select(columns).Omit(clause.Associations).Updates(c).Error)
}

func (t *collectionTx) DeleteCollection(id string) error {
	result := t.db.Where("id = ?", id).Delete(&Collection{})
	if result.Error != nil {
		return classifyDBError(result.Error)
	}
	if result.RowsAffected == 0 {
		return NewNotFoundError("collection", id)
	}
	return nil
}

func (t *collectionTx) AppendHistory(entries ...*CollectionHistory) error {
	if len(entries) == 0 {
		return nil
	}
	return classifyDBError(t.db.Create(entries).Error)
}

func (t *collectionTx) PurgeHistory(collectionId, keepId, grantedById string) error {
	grant := CollectionHistoryPurge{CollectionId: collectionId, GrantedById: grantedById}
	if err := t.db.Create(&grant).Error; err != nil {
		return classifyDBError(err)
	}
	// Hooks reject deletes on history. The trigger accepts this one because of the
	// grant and the tombstone at keepId, which itself stays undeletable.
	err := t.db.Session(&gorm.Session{SkipHooks: true}).
		Where("collection_id = ? AND id <> ?", collectionId, keepId).
		Delete(&CollectionHistory{}).Error
	if err != nil {
		return classifyDBError(err)
	}
	return classifyDBError(t.db.Where("collection_id = ?", collectionId).Delete(&CollectionHistoryPurge{}).Error)
}

func (t *collectionTx) FindDuplicate(machineId string, from, to time.Time) (*Collection, error) {
	return findDuplicate(t.db, machineId, from, to)
}

func (t *collectionTx) FindCollectionIds(filter CollectionFilter, limit int) ([]string, error) {
	q := t.db.Model(&Collection{})
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.MachineId != "" {
		q = q.Where("machine_id = ?", filter.MachineId)
	}
	if filter.OperatorId != "" {
		q = q.Where("operator_id = ?", filter.OperatorId)
	}
	if filter.Source != nil {
		q = q.Where("source = ?", *filter.Source)
	}
	if filter.From != nil {
		q = q.Where("collected_at >= ?", *filter.From)
	}
	if filter.To != nil {
		q = q.Where("collected_at <= ?", *filter.To)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []string
	if err := q.Order("collected_at ASC").Pluck("id", &ids).Error; err != nil {
		return nil, classifyDBError(err)
	}
	return ids, nil
}

func (t *collectionTx) Savepoint(fn func(tx CollectionTx) error) error {
	t.savepoints++
	name := fmt.Sprintf("collection_sp_%d", t.savepoints)
	if err := t.db.SavePoint(name).Error; err != nil {
		return fmt.Errorf("%w: %w: savepoint: %v", ErrTransactionAborted, ErrInfrastructure, err)
	}
	if err := fn(t); err != nil {
		if rbErr := t.db.RollbackTo(name).Error; rbErr != nil {
			return fmt.Errorf("%w: %w: rollback to savepoint: %v", ErrTransactionAborted, ErrInfrastructure, rbErr)
		}
		return err
	}
	return nil
}

func findDuplicate(db *gorm.DB, machineId string, from, to time.Time) (*Collection, error) {
	var c Collection
	err := db.Where("machine_id = ? AND status <> ? AND collected_at BETWEEN ? AND ?",
		machineId, CollectionStatusCancelled, from, to).
		Order("collected_at ASC").
		Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, classifyDBError(err)
	}
	return &c, nil
}

// MySQL error numbers the engine distinguishes.
const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
	mysqlErrSignal          = 1644
)

// classifyDBError maps driver errors onto the engine taxonomy. Errors that already
// carry a domain sentinel pass through unchanged.
func classifyDBError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrInvalidState, ErrAlreadyCancelled, ErrDuplicateDetected,
		ErrValidation, ErrConcurrencyConflict, ErrInfrastructure, ErrAuditImmutable, ErrTransactionAborted} {
		if errors.Is(err, known) {
			return err
		}
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrLockWaitTimeout, mysqlErrDeadlock:
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		case mysqlErrSignal:
			if strings.Contains(mysqlErr.Message, historyImmutableMessage) {
				return fmt.Errorf("%w: %v", ErrAuditImmutable, err)
			}
		}
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	if strings.Contains(err.Error(), historyImmutableMessage) {
		return fmt.Errorf("%w: %v", ErrAuditImmutable, err)
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrInfrastructure, err)
}

func classifyCommitError(err error) error {
	classified := classifyDBError(err)
	if errors.Is(classified, ErrConcurrencyConflict) {
		return classified
	}
	return fmt.Errorf("%w: commit: %v", ErrInfrastructure, err)
}
