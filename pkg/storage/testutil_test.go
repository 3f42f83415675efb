package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/scanflow/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance pinned to one connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")
		require.NoError(t, ConfigurePool(db, MaxOpenConns(2), MaxIdleConns(1)))

		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")
	require.NoError(t, ConfigurePool(db, WithPoolConfig(SingleConnPoolConfig())))
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without
// requiring a fresh database per test.
func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"step_executions", "step_instances"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStorage creates a migrated storage for each test.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s := NewGormStorage(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

var testStep = &core.Step{ID: "pfam.hmmscan", JobID: "pfam", Kind: core.Noop{}, Retries: 3}

func newTestInstance(lower, upper int64) *core.StepInstance {
	return core.NewStepInstance(testStep, core.WorkRange{Lower: lower, Upper: upper}, nil, nil)
}
