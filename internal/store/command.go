package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
)

// Command payload side tables. A payload row is created in the same
// transaction as its Pending action and deleted in the transaction that
// ingests the result, so an action's payload exists exactly while the action
// can still be dispatched.

// CreatePingCommand inserts the nonce payload for a ping action.
func (s *Store) CreatePingCommand(ctx context.Context, tx *gorm.DB, cmd *db.PingCommand) error {
	if err := s.conn(ctx, tx).Create(cmd).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("ping commands: create: %w", err)
	}
	return nil
}

// GetPingCommand retrieves the ping payload for an action ID.
func (s *Store) GetPingCommand(ctx context.Context, tx *gorm.DB, id string) (*db.PingCommand, error) {
	var cmd db.PingCommand
	err := s.conn(ctx, tx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ping commands: get: %w", err)
	}
	return &cmd, nil
}

// DeletePingCommand removes the ping payload for an action ID. Deleting a
// missing row is not an error since the foreign key cascade may have beaten
// us to it.
func (s *Store) DeletePingCommand(ctx context.Context, tx *gorm.DB, id string) error {
	if err := s.conn(ctx, tx).Delete(&db.PingCommand{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("ping commands: delete: %w", err)
	}
	return nil
}

// CreateShellCommand inserts the command-line payload for a shell action.
func (s *Store) CreateShellCommand(ctx context.Context, tx *gorm.DB, cmd *db.ShellCommand) error {
	if err := s.conn(ctx, tx).Create(cmd).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("shell commands: create: %w", err)
	}
	return nil
}

// GetShellCommand retrieves the shell payload for an action ID.
func (s *Store) GetShellCommand(ctx context.Context, tx *gorm.DB, id string) (*db.ShellCommand, error) {
	var cmd db.ShellCommand
	err := s.conn(ctx, tx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("shell commands: get: %w", err)
	}
	return &cmd, nil
}

// DeleteShellCommand removes the shell payload for an action ID.
func (s *Store) DeleteShellCommand(ctx context.Context, tx *gorm.DB, id string) error {
	if err := s.conn(ctx, tx).Delete(&db.ShellCommand{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("shell commands: delete: %w", err)
	}
	return nil
}

// CreatePurgeCommand inserts a purge marker row. No core path calls this,
// purge actions carry no payload, but the table is part of the schema and
// the accessor keeps the side tables uniform.
func (s *Store) CreatePurgeCommand(ctx context.Context, tx *gorm.DB, cmd *db.PurgeCommand) error {
	if err := s.conn(ctx, tx).Create(cmd).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("purge commands: create: %w", err)
	}
	return nil
}

// GetPurgeCommand retrieves a purge marker row by action ID.
func (s *Store) GetPurgeCommand(ctx context.Context, tx *gorm.DB, id string) (*db.PurgeCommand, error) {
	var cmd db.PurgeCommand
	err := s.conn(ctx, tx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("purge commands: get: %w", err)
	}
	return &cmd, nil
}

// DeletePurgeCommand removes a purge marker row by action ID.
func (s *Store) DeletePurgeCommand(ctx context.Context, tx *gorm.DB, id string) error {
	if err := s.conn(ctx, tx).Delete(&db.PurgeCommand{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("purge commands: delete: %w", err)
	}
	return nil
}
