// Package sweeper is the coordinator's garbage collector. On a fixed
// interval it drops finished actions together with their payload rows and
// deletes clients that have been offline past their TTL. On shutdown it
// forces every client row back to disconnected so the next server start sees
// a consistent world.
package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
)

// Config controls sweep cadence and client retention.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`

	// ClientTTL is how long a disconnected client is kept before it is
	// deleted together with its actions.
	ClientTTL time.Duration `yaml:"client_ttl"`
}

// DefaultConfig returns the stock cadence: sweep hourly, retain offline
// clients for a day.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Hour,
		ClientTTL: 24 * time.Hour,
	}
}

// Sweeper runs the periodic GC job.
type Sweeper struct {
	store     *store.Store
	cfg       Config
	metrics   *metrics.Metrics
	log       *zap.Logger
	scheduler gocron.Scheduler
}

// New creates a Sweeper. Call Start to begin sweeping.
func New(st *store.Store, cfg Config, m *metrics.Metrics, log *zap.Logger) (*Sweeper, error) {
	s := &Sweeper{
		store:   st,
		cfg:     cfg,
		metrics: m,
		log:     log.Named("sweeper"),
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(cfg.Interval),
		gocron.NewTask(func() {
			if err := s.RunOnce(context.Background()); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler
	return s, nil
}

// Start begins the periodic sweeps.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.log.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("client_ttl", s.cfg.ClientTTL),
	)
}

// Stop halts the scheduler without running a final pass. Use Finalize for
// the shutdown reconciliation.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// RunOnce performs a single sweep in one transaction: finished actions go
// first (payload row, then the action), stale clients second.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var sweptActions, sweptClients int64

	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		finished, err := s.store.ListActionsByState(ctx, tx, db.StateFinished, store.ListOptions{})
		if err != nil {
			return err
		}
		for _, action := range finished {
			if err := s.dropPayload(ctx, tx, &action); err != nil {
				return err
			}
			if err := s.store.DeleteAction(ctx, tx, action.ID); err != nil {
				return err
			}
			sweptActions++
		}

		cutoff := time.Now().UTC().Add(-s.cfg.ClientTTL)
		sweptClients, err = s.store.DeleteStaleClients(ctx, tx, cutoff)
		return err
	})
	if err != nil {
		return err
	}

	s.metrics.SweptActions.Add(float64(sweptActions))
	s.metrics.SweptClients.Add(float64(sweptClients))
	if sweptActions > 0 || sweptClients > 0 {
		s.log.Info("sweep complete",
			zap.Int64("actions", sweptActions),
			zap.Int64("clients", sweptClients),
		)
	}
	return nil
}

// dropPayload removes the side-table row of a finished action. The row is
// normally gone already, deleted when the result was ingested, so a missing
// row is fine.
func (s *Sweeper) dropPayload(ctx context.Context, tx *gorm.DB, action *db.Action) error {
	var err error
	switch action.Command {
	case db.CommandPing:
		err = s.store.DeletePingCommand(ctx, tx, action.ID)
	case db.CommandShell:
		err = s.store.DeleteShellCommand(ctx, tx, action.ID)
	case db.CommandPurge:
		err = s.store.DeletePurgeCommand(ctx, tx, action.ID)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Finalize is the shutdown pass: it clears connected and address on every
// client so a restart does not inherit phantom sessions.
func (s *Sweeper) Finalize(ctx context.Context) error {
	if err := s.store.DisconnectAllClients(ctx, nil); err != nil {
		return err
	}
	s.log.Info("client connection state finalized")
	return nil
}
