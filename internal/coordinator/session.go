package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
	"github.com/kjubybot/notssh/internal/wire"
)

// purgedResult is the sentinel stored as a purge action's result.
var purgedResult = []byte("purged")

// errClientGone marks a result transaction that failed while refreshing the
// client row. Losing the client row means the session has nothing to anchor
// to, so it ends instead of retrying on the next message.
var errClientGone = errors.New("client row lost")

// Session is the live counterpart of one connected agent. It owns the
// connection and the three loops that service it; everything else goes
// through the store.
type Session struct {
	clientID string
	conn     Conn
	store    *store.Store
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func newSession(clientID string, conn Conn, st *store.Store, m *metrics.Metrics, log *zap.Logger) *Session {
	return &Session{
		clientID: clientID,
		conn:     conn,
		store:    st,
		metrics:  m,
		log:      log.Named("session").With(zap.String("client_id", clientID)),
	}
}

// run services the session until the connection drops, an inbound frame is
// malformed, the dispatcher observes the client disconnected, or ctx is
// cancelled. On the way out it always releases the client row.
func (s *Session) run(ctx context.Context) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the connection is the only way to unblock a pending read.
	go func() {
		<-sctx.Done()
		_ = s.conn.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.dispatch(sctx)
	}()
	go func() {
		defer wg.Done()
		s.ping(sctx)
	}()

	s.pump(sctx)
	cancel()
	wg.Wait()

	// Release the row even when the parent context is already gone.
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	if err := s.store.DisconnectClient(dctx, nil, s.clientID); err != nil {
		s.log.Error("failed to release client on teardown", zap.Error(err))
	}
	s.log.Info("session ended")
}

// pump is the inbound loop: it reads result frames off the connection and
// ingests them until the connection dies or a frame violates the protocol.
func (s *Session) pump(ctx context.Context) {
	for {
		res, err := s.conn.ReadResult()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Debug("inbound stream closed", zap.Error(err))
			}
			return
		}

		if err := s.ingest(ctx, res); err != nil {
			if errors.Is(err, wire.ErrNoVariant) || errors.Is(err, errClientGone) {
				s.log.Warn("ending session", zap.Error(err))
				return
			}
			// Other transaction errors only lose this one result.
			s.log.Error("failed to ingest result",
				zap.String("action_id", res.ActionID),
				zap.Error(err),
			)
		}
	}
}

// ingest applies one result frame in a single transaction: side-table
// cleanup, the Finished transition with the outcome, and the client's
// last_online refresh all commit together. A frame that carries no variant
// still finishes its action, with an empty outcome, before the returned
// wire.ErrNoVariant ends the session.
func (s *Session) ingest(ctx context.Context, res *wire.Res) error {
	verr := res.Validate()

	var kind db.CommandKind
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		action, err := s.store.GetAction(ctx, tx, res.ActionID)
		if err != nil {
			return err
		}
		kind = action.Command

		var resultData, errData []byte
		switch {
		case verr != nil:
			// The variant is unknown, but the action row names the command,
			// so its payload can still be cleaned up.
			switch action.Command {
			case db.CommandPing:
				err = s.store.DeletePingCommand(ctx, tx, action.ID)
			case db.CommandShell:
				err = s.store.DeleteShellCommand(ctx, tx, action.ID)
			}
			if err != nil {
				return err
			}

		case res.Pong != nil:
			if err := s.store.DeletePingCommand(ctx, tx, action.ID); err != nil {
				return err
			}
			resultData = []byte(res.Pong.Data)

		case res.Purged != nil:
			resultData = purgedResult

		case res.Shell != nil:
			if err := s.store.DeleteShellCommand(ctx, tx, action.ID); err != nil {
				return err
			}
			if res.Shell.Code == 0 {
				resultData = res.Shell.Stdout
			} else {
				errData = res.Shell.Stderr
			}
		}

		if err := s.store.FinishAction(ctx, tx, action.ID, resultData, errData); err != nil {
			return err
		}
		if err := s.store.TouchClient(ctx, tx, s.clientID, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %w", errClientGone, err)
		}
		return nil
	})
	if verr != nil {
		if err != nil {
			s.log.Warn("malformed result could not be committed",
				zap.String("action_id", res.ActionID),
				zap.Error(err),
			)
		}
		return verr
	}
	if err != nil {
		return err
	}

	s.metrics.IngestedResults.WithLabelValues(kind.String()).Inc()
	s.log.Debug("result ingested",
		zap.String("action_id", res.ActionID),
		zap.String("command", kind.String()),
	)
	return nil
}
