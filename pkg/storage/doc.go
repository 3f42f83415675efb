// Package storage provides storage implementations for instance and
// execution persistence.
//
// This package includes:
//   - GormStorage: a GORM-based implementation of core.Storage
//   - Open: DSN-based connection for SQLite, PostgreSQL and MySQL
//   - Pool configuration helpers
package storage
