// Package store is the persistence layer of the coordinator. It wraps the
// GORM connection with the queries the coordinator, control service, and
// sweeper need, and normalizes backend errors into the sentinel errors below.
//
// Methods accept an optional *gorm.DB transaction handle. Passing nil runs
// the query on the store's own connection; passing the handle received from
// Transaction runs it inside that transaction. The coordinator relies on this
// to commit a result ingest and the client's last_online refresh atomically.
package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested record does not exist. Callers
// check it with errors.Is to distinguish missing records from database
// failures.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint.
var ErrConflict = errors.New("record already exists")

// ErrAlreadyConnected is returned by ConnectClient when the client row is
// already marked connected, meaning another live session holds it.
var ErrAlreadyConnected = errors.New("client already connected")

// ListOptions bounds a list query with a LIMIT/OFFSET page. The zero value
// lists everything; Offset only takes effect together with Limit.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) apply(conn *gorm.DB) *gorm.DB {
	if o.Limit > 0 {
		conn = conn.Limit(o.Limit)
		if o.Offset > 0 {
			conn = conn.Offset(o.Offset)
		}
	}
	return conn
}

// Store executes all database operations for the coordinator.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by the provided *gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Transaction runs fn inside a single database transaction. The *gorm.DB
// passed to fn must be forwarded as the tx argument of every store call made
// within it.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// conn resolves the connection a query should run on: the given transaction
// if one is in progress, the store's own connection otherwise.
func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db.WithContext(ctx)
}

// isDuplicate recognizes unique constraint violations. The postgres dialector
// translates them to gorm.ErrDuplicatedKey; the sqlite dialector cannot see
// into the modernc driver's errors, hence the message fallback.
func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isFKViolation recognizes foreign key violations, same caveat as
// isDuplicate.
func isFKViolation(err error) bool {
	return errors.Is(err, gorm.ErrForeignKeyViolated) ||
		strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
