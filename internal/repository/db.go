package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/observability"
)

// Dialect identifies the SQL backend behind a DB
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// DB is the handle shared by the Local Store, the queue and agent state
type DB struct {
	*sqlx.DB
	dialect Dialect
}

func newDB(db *sqlx.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

// Open picks Postgres when databaseURL is set and SQLite otherwise.
// Any failure here means there is no local source of truth.
func Open(databasePath, databaseURL string) (*DB, error) {
	var (
		db  *DB
		err error
	)
	if databaseURL != "" {
		db, err = NewPostgresDB(databaseURL)
	} else {
		db, err = NewSQLiteDB(databasePath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}
	return db, nil
}

// Dialect returns the backend dialect
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// withRetry runs fn, retrying once on failure before surfacing a StorageError
func (d *DB) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return models.NewStorageError(op, err)
	}

	observability.WithContext(ctx).WithField("op", op).Warnf("local store error, retrying once: %v", err)

	if err := fn(); err != nil {
		return models.NewStorageError(op, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
