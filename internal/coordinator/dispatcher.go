package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/store"
	"github.com/kjubybot/notssh/internal/wire"
)

// idlePoll is how long the dispatcher sleeps when the client's queue is
// empty.
const idlePoll = time.Second

// errClientDisconnected stops the dispatch loop when the client row no
// longer carries connected=true. Another writer (operator delete, shutdown
// pass, competing server) invalidated this session.
var errClientDisconnected = errors.New("client disconnected")

// dispatch is the outbound loop: it drains the client's pending queue in
// created_at order and writes each action to the agent. The Pending→Running
// transition commits before the frame is written, so a dropped transport
// never re-delivers an action the agent may already have run.
func (s *Session) dispatch(ctx context.Context) {
	for {
		action, err := s.nextAction(ctx)
		switch {
		case err == nil:
			if werr := s.conn.WriteAction(action); werr != nil {
				if ctx.Err() == nil {
					s.log.Debug("outbound stream closed", zap.Error(werr))
				}
				return
			}
			s.metrics.DispatchedActions.WithLabelValues(commandLabel(action)).Inc()
			s.log.Debug("action dispatched", zap.String("action_id", action.ID))
			continue

		case errors.Is(err, errClientDisconnected):
			s.log.Info("stopping dispatch", zap.Error(err))
			return

		case errors.Is(err, store.ErrNotFound):
			// Queue empty, poll again shortly.

		default:
			if ctx.Err() != nil {
				return
			}
			s.log.Error("dispatch step failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePoll):
		}
	}
}

// nextAction claims the oldest pending action in one transaction: it checks
// the client is still connected, materializes the agent-visible payload from
// the side table, and commits the Running transition. store.ErrNotFound
// means the queue is empty.
func (s *Session) nextAction(ctx context.Context) (*wire.Action, error) {
	var out *wire.Action
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		client, err := s.store.GetClient(ctx, tx, s.clientID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errClientDisconnected
			}
			return err
		}
		if !client.Connected {
			return errClientDisconnected
		}

		action, err := s.store.NextPendingAction(ctx, tx, s.clientID)
		if err != nil {
			return err
		}

		msg := &wire.Action{ID: action.ID}
		switch action.Command {
		case db.CommandPing:
			cmd, err := s.store.GetPingCommand(ctx, tx, action.ID)
			if err != nil {
				return err
			}
			msg.Ping = &wire.Ping{Data: cmd.Data}

		case db.CommandPurge:
			msg.Purge = &wire.Purge{}

		case db.CommandShell:
			cmd, err := s.store.GetShellCommand(ctx, tx, action.ID)
			if err != nil {
				return err
			}
			msg.Shell = &wire.Shell{Cmd: cmd.Cmd, Args: cmd.Args, Stdin: cmd.Stdin}
		}

		if err := s.store.MarkActionRunning(ctx, tx, action.ID, time.Now().UTC()); err != nil {
			return err
		}
		out = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func commandLabel(a *wire.Action) string {
	switch {
	case a.Ping != nil:
		return db.CommandPing.String()
	case a.Purge != nil:
		return db.CommandPurge.String()
	case a.Shell != nil:
		return db.CommandShell.String()
	default:
		return "unknown"
	}
}
