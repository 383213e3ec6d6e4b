package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kjubybot/notssh/internal/db"
)

// CreateAction inserts a new action row. Returns ErrConflict on a duplicate
// ID and ErrNotFound when the referenced client does not exist.
func (s *Store) CreateAction(ctx context.Context, tx *gorm.DB, action *db.Action) error {
	if err := s.conn(ctx, tx).Create(action).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		if isFKViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("actions: create: %w", err)
	}
	return nil
}

// GetAction retrieves an action by ID. Returns ErrNotFound if no record
// exists.
func (s *Store) GetAction(ctx context.Context, tx *gorm.DB, id string) (*db.Action, error) {
	var action db.Action
	err := s.conn(ctx, tx).First(&action, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("actions: get: %w", err)
	}
	return &action, nil
}

// NextPendingAction returns the oldest pending action for the given client,
// or ErrNotFound when the queue is empty. Ties on created_at break on the
// primary key so repeated calls always walk the queue in the same order.
//
// On postgres the row is locked FOR UPDATE so concurrent dispatchers cannot
// hand out the same action twice. SQLite has a single writer connection and
// needs no row lock.
func (s *Store) NextPendingAction(ctx context.Context, tx *gorm.DB, clientID string) (*db.Action, error) {
	conn := s.conn(ctx, tx)
	if conn.Dialector.Name() == "postgres" {
		conn = conn.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var action db.Action
	err := conn.
		Where("client_id = ? AND state = ?", clientID, db.StatePending).
		Order("created_at, id").
		First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("actions: next pending: %w", err)
	}
	return &action, nil
}

// MarkActionRunning transitions a pending action to running and stamps
// started_at. The state guard in the WHERE clause makes the transition
// idempotent: an action that already left Pending is not touched and
// ErrNotFound is returned.
func (s *Store) MarkActionRunning(ctx context.Context, tx *gorm.DB, id string, startedAt time.Time) error {
	result := s.conn(ctx, tx).
		Model(&db.Action{}).
		Where("id = ? AND state = ?", id, db.StatePending).
		Updates(map[string]interface{}{
			"state":      db.StateRunning,
			"started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("actions: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishAction transitions an action to finished and records its outcome.
// Exactly one of resultData/errData should be non-nil.
func (s *Store) FinishAction(ctx context.Context, tx *gorm.DB, id string, resultData, errData []byte) error {
	result := s.conn(ctx, tx).
		Model(&db.Action{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":  db.StateFinished,
			"result": resultData,
			"error":  errData,
		})
	if result.Error != nil {
		return fmt.Errorf("actions: finish: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActionsByState returns actions in the given state, oldest first,
// bounded by opts. The sweeper uses this to collect finished actions for
// deletion.
func (s *Store) ListActionsByState(ctx context.Context, tx *gorm.DB, state db.ActionState, opts ListOptions) ([]db.Action, error) {
	var actions []db.Action
	err := opts.apply(s.conn(ctx, tx)).
		Where("state = ?", state).
		Order("created_at, id").
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("actions: list by state: %w", err)
	}
	return actions, nil
}

// DeleteAction removes an action row.
func (s *Store) DeleteAction(ctx context.Context, tx *gorm.DB, id string) error {
	result := s.conn(ctx, tx).Delete(&db.Action{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("actions: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
