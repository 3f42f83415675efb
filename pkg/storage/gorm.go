// Package storage provides storage implementations for scanflow.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/scanflow/pkg/core"
)

// insertBatchSize bounds the rows per INSERT when registering many instances.
const insertBatchSize = 100

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.StepInstance{}, &core.StepExecution{})
}

func withExecutions(db *gorm.DB) *gorm.DB {
	return db.Preload("Executions", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("created_at ASC")
	})
}

// InsertInstances stores new instances, and any executions already attached
// to them, in a single transaction.
func (s *GormStorage) InsertInstances(ctx context.Context, instances []*core.StepInstance) error {
	if len(instances) == 0 {
		return nil
	}
	for _, inst := range instances {
		if inst.ID == "" {
			inst.ID = uuid.New().String()
		}
		for _, e := range inst.Executions {
			e.StepInstanceID = inst.ID
		}
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(instances, insertBatchSize).Error
	})
}

// GetInstance loads one instance with its executions in creation order.
func (s *GormStorage) GetInstance(ctx context.Context, id string) (*core.StepInstance, error) {
	var inst core.StepInstance
	err := withExecutions(s.db.WithContext(ctx)).First(&inst, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances loads every instance with its executions, oldest first.
func (s *GormStorage) ListInstances(ctx context.Context) ([]*core.StepInstance, error) {
	var instances []*core.StepInstance
	err := withExecutions(s.db.WithContext(ctx)).
		Order("created_at ASC, id ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// RetrieveInstances loads the instances of a step whose derived state is one
// of states. With no states every instance of the step is returned.
// Instance state is derived from executions, so filtering happens after loading.
func (s *GormStorage) RetrieveInstances(ctx context.Context, stepID string, states ...core.State) ([]*core.StepInstance, error) {
	var instances []*core.StepInstance
	err := withExecutions(s.db.WithContext(ctx)).
		Where("step_id = ?", stepID).
		Order("range_lower ASC, created_at ASC").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return instances, nil
	}

	wanted := make(map[core.State]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	filtered := instances[:0]
	for _, inst := range instances {
		if wanted[inst.State()] {
			filtered = append(filtered, inst)
		}
	}
	return filtered, nil
}

// InsertExecution stores a new execution.
func (s *GormStorage) InsertExecution(ctx context.Context, e *core.StepExecution) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// UpdateExecution writes the mutable fields of an execution.
func (s *GormStorage) UpdateExecution(ctx context.Context, e *core.StepExecution) error {
	result := s.db.WithContext(ctx).
		Model(&core.StepExecution{}).
		Where("id = ?", e.ID).
		Updates(map[string]any{
			"state":        e.State,
			"submitted_at": e.SubmittedAt,
			"started_at":   e.StartedAt,
			"completed_at": e.CompletedAt,
			"progress":     e.Progress,
			"worker_id":    e.WorkerID,
			"last_error":   e.LastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// Some drivers report zero affected rows when nothing changed.
	var count int64
	if err := s.db.WithContext(ctx).Model(&core.StepExecution{}).Where("id = ?", e.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", core.ErrExecutionNotFound, e.ID)
	}
	return nil
}

// GetExecution loads one execution.
func (s *GormStorage) GetExecution(ctx context.Context, id string) (*core.StepExecution, error) {
	var e core.StepExecution
	err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

var _ core.Storage = (*GormStorage)(nil)
