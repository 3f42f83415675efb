// Package status reports what a running scheduler is doing: instance counts,
// permanent failures, and per-step execution outcomes bucketed by minute.
package status

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// StepStat holds the outcomes recorded for one step in one minute.
type StepStat struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	StepID     string    `gorm:"index:idx_step_stats_step_ts;size:255;not null" json:"step_id"`
	Timestamp  time.Time `gorm:"index:idx_step_stats_step_ts;not null" json:"timestamp"`
	Successful int64     `gorm:"default:0" json:"successful"`
	Failed     int64     `gorm:"default:0" json:"failed"`
	Reclaimed  int64     `gorm:"default:0" json:"reclaimed"`
}

// Counters are outcome increments for one step.
type Counters struct {
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Reclaimed  int64 `json:"reclaimed"`
}

func (c Counters) zero() bool {
	return c.Successful == 0 && c.Failed == 0 && c.Reclaimed == 0
}

// StatsStorage persists StepStat rows.
type StatsStorage interface {
	MigrateStats(ctx context.Context) error
	AddCounters(ctx context.Context, stepID string, ts time.Time, c Counters) error
	History(ctx context.Context, stepID string, since, until time.Time) ([]StepStat, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type gormStatsStorage struct {
	db *gorm.DB
}

// NewGormStatsStorage stores step stats in db, next to the instances.
func NewGormStatsStorage(db *gorm.DB) StatsStorage {
	return &gormStatsStorage{db: db}
}

func (s *gormStatsStorage) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&StepStat{})
}

// AddCounters adds c to the row of stepID for the minute containing ts.
func (s *gormStatsStorage) AddCounters(ctx context.Context, stepID string, ts time.Time, c Counters) error {
	ts = ts.UTC().Truncate(time.Minute)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StepStat
		err := tx.Where("step_id = ? AND timestamp = ?", stepID, ts).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&StepStat{
				StepID:     stepID,
				Timestamp:  ts,
				Successful: c.Successful,
				Failed:     c.Failed,
				Reclaimed:  c.Reclaimed,
			}).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]any{
			"successful": gorm.Expr("successful + ?", c.Successful),
			"failed":     gorm.Expr("failed + ?", c.Failed),
			"reclaimed":  gorm.Expr("reclaimed + ?", c.Reclaimed),
		}).Error
	})
}

// History returns rows oldest first. Empty stepID and zero times do not filter.
func (s *gormStatsStorage) History(ctx context.Context, stepID string, since, until time.Time) ([]StepStat, error) {
	var stats []StepStat
	q := s.db.WithContext(ctx).Order("timestamp ASC, step_id ASC")
	if stepID != "" {
		q = q.Where("step_id = ?", stepID)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until.UTC())
	}
	if err := q.Find(&stats).Error; err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *gormStatsStorage) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&StepStat{})
	return result.RowsAffected, result.Error
}
