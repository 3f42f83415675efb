package storage

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// backgroundConns counts the master's connection users besides the
// reconcilers: the poll loop, store sync, the reclaim sweep and the status
// collector.
const backgroundConns = 4

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// MaxOpenConns is the maximum number of open connections. Zero means
	// unlimited.
	MaxOpenConns int
	// MaxIdleConns is the maximum number of idle connections kept.
	MaxIdleConns int
	// ConnMaxLifetime is how long a connection may be reused.
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime is how long a connection may sit idle.
	ConnMaxIdleTime time.Duration

	// sqlite pins the pool to one connection whatever the options say.
	sqlite bool
}

// DefaultPoolConfig returns the pool used for PostgreSQL and MySQL.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// SingleConnPoolConfig pins the pool to one connection. An in-memory SQLite
// database exists per connection, and a SQLite file accepts one writer at a
// time, so concurrent reconcilers would otherwise see an empty database or
// SQLITE_BUSY.
func SingleConnPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}
}

// PoolFor returns the starting pool for a DSN accepted by Dialector.
func PoolFor(dsn string) PoolConfig {
	if strings.HasPrefix(dsn, "sqlite://") {
		cfg := SingleConnPoolConfig()
		cfg.sqlite = true
		return cfg
	}
	return DefaultPoolConfig()
}

// PoolOption configures connection pool settings.
type PoolOption interface {
	applyPool(*PoolConfig)
}

type poolOptionFunc func(*PoolConfig)

func (f poolOptionFunc) applyPool(c *PoolConfig) { f(c) }

// WithPoolConfig replaces the pool configuration. A SQLite pool stays
// pinned to one connection.
func WithPoolConfig(cfg PoolConfig) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		sqlite := c.sqlite
		*c = cfg
		c.sqlite = c.sqlite || sqlite
	})
}

// MaxOpenConns sets the maximum number of open connections.
// Set to 0 for unlimited.
func MaxOpenConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxOpenConns = n
	})
}

// MaxIdleConns sets the maximum number of idle connections.
func MaxIdleConns(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.MaxIdleConns = n
	})
}

// ConnMaxLifetime sets the maximum connection lifetime.
func ConnMaxLifetime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxLifetime = d
	})
}

// ConnMaxIdleTime sets the maximum idle time for connections.
func ConnMaxIdleTime(d time.Duration) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		c.ConnMaxIdleTime = d
	})
}

// ReconcileConcurrency sizes the pool for a master that reconciles n
// results at once. Every reconciler holds a connection while it persists,
// so the pool is raised to n plus the background loops when smaller.
// An unlimited pool is left alone.
func ReconcileConcurrency(n int) PoolOption {
	return poolOptionFunc(func(c *PoolConfig) {
		if c.MaxOpenConns > 0 && c.MaxOpenConns < n+backgroundConns {
			c.MaxOpenConns = n + backgroundConns
		}
	})
}

func (c PoolConfig) resolve() PoolConfig {
	if c.sqlite {
		c.MaxOpenConns, c.MaxIdleConns = 1, 1
		c.ConnMaxLifetime, c.ConnMaxIdleTime = 0, 0
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		c.MaxIdleConns = c.MaxOpenConns
	}
	return c
}

// ConfigurePool applies the default pool, then opts, to db.
func ConfigurePool(db *gorm.DB, opts ...PoolOption) error {
	config := DefaultPoolConfig()
	for _, opt := range opts {
		opt.applyPool(&config)
	}
	return applyPool(db, config)
}

func applyPool(db *gorm.DB, config PoolConfig) error {
	config = config.resolve()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying *sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	return nil
}

// NewGormStorageWithPool configures the pool of db and wraps it.
func NewGormStorageWithPool(db *gorm.DB, opts ...PoolOption) (*GormStorage, error) {
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return NewGormStorage(db), nil
}
