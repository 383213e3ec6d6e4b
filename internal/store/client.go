package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
)

// CreateClient inserts a new client record. Returns ErrConflict if a client
// with the same ID already exists.
func (s *Store) CreateClient(ctx context.Context, tx *gorm.DB, client *db.Client) error {
	if err := s.conn(ctx, tx).Create(client).Error; err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("clients: create: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID. Returns ErrNotFound if no record exists.
func (s *Store) GetClient(ctx context.Context, tx *gorm.DB, id string) (*db.Client, error) {
	var client db.Client
	err := s.conn(ctx, tx).First(&client, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("clients: get: %w", err)
	}
	return &client, nil
}

// ListClients returns registered clients in primary key order, bounded by
// opts.
func (s *Store) ListClients(ctx context.Context, tx *gorm.DB, opts ListOptions) ([]db.Client, error) {
	var clients []db.Client
	if err := opts.apply(s.conn(ctx, tx)).Order("id").Find(&clients).Error; err != nil {
		return nil, fmt.Errorf("clients: list: %w", err)
	}
	return clients, nil
}

// ConnectClient claims the client row for a new session: it flips connected
// to true and records the peer address, but only if no other session holds
// the row. The conditional update is what enforces the single-session rule,
// so two concurrent connects race on the database instead of on server
// memory. Returns ErrAlreadyConnected if the row is taken and ErrNotFound if
// the client does not exist.
func (s *Store) ConnectClient(ctx context.Context, tx *gorm.DB, id, address string) error {
	var addr *string
	if address != "" {
		addr = &address
	}

	result := s.conn(ctx, tx).
		Model(&db.Client{}).
		Where("id = ? AND connected = ?", id, false).
		Updates(map[string]interface{}{
			"connected":   true,
			"address":     addr,
			"last_online": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("clients: connect: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetClient(ctx, tx, id); err != nil {
			return err
		}
		return ErrAlreadyConnected
	}
	return nil
}

// DisconnectClient releases the client row when its session ends: connected
// is cleared, the address is dropped, and last_online records the moment the
// agent was last reachable.
func (s *Store) DisconnectClient(ctx context.Context, tx *gorm.DB, id string) error {
	result := s.conn(ctx, tx).
		Model(&db.Client{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"connected":   false,
			"address":     nil,
			"last_online": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("clients: disconnect: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchClient refreshes only the last_online column. Called on every ingested
// result, so it deliberately avoids rewriting the full row.
func (s *Store) TouchClient(ctx context.Context, tx *gorm.DB, id string, t time.Time) error {
	result := s.conn(ctx, tx).
		Model(&db.Client{}).
		Where("id = ?", id).
		Update("last_online", t)
	if result.Error != nil {
		return fmt.Errorf("clients: touch: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteClient removes a client. Its actions go with it via the foreign key
// cascade.
func (s *Store) DeleteClient(ctx context.Context, tx *gorm.DB, id string) error {
	result := s.conn(ctx, tx).Delete(&db.Client{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("clients: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DisconnectAllClients force-clears the connected flag on every client.
// Run once at startup and once at shutdown so rows are never left claimed by
// sessions that died with a previous server process.
func (s *Store) DisconnectAllClients(ctx context.Context, tx *gorm.DB) error {
	err := s.conn(ctx, tx).
		Model(&db.Client{}).
		Where("connected = ?", true).
		Updates(map[string]interface{}{
			"connected": false,
			"address":   nil,
		}).Error
	if err != nil {
		return fmt.Errorf("clients: disconnect all: %w", err)
	}
	return nil
}

// DeleteStaleClients removes disconnected clients whose last_online is older
// than the cutoff. Returns the number of clients removed.
func (s *Store) DeleteStaleClients(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	result := s.conn(ctx, tx).
		Where("connected = ? AND last_online < ?", false, cutoff).
		Delete(&db.Client{})
	if result.Error != nil {
		return 0, fmt.Errorf("clients: delete stale: %w", result.Error)
	}
	return result.RowsAffected, nil
}
