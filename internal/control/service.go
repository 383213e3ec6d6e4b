// Package control implements the operator-facing side of the coordinator:
// list, ping, purge, and shell. The action-issuing calls enqueue an action
// for the target client and block until the session loop marks it Finished,
// bounded by a per-kind timeout.
package control

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/store"
)

// ErrTimeout is returned when an action does not finish within its kind's
// deadline. The action stays in the database in whatever state it reached.
var ErrTimeout = errors.New("action timeout")

// ErrUnavailable is returned when an action finished but its recorded
// outcome does not match what the command expects, e.g. a pong with the
// wrong nonce.
var ErrUnavailable = errors.New("client returned an unusable result")

// pingNonce is the payload of operator-issued pings. The agent echoes it
// back and the coordinator verifies the echo byte for byte.
const pingNonce = "ping"

// purgedResult is the outcome a purge action must carry once finished.
var purgedResult = []byte("purged")

// Config bounds the blocking control calls. Timeouts are per command kind;
// PollInterval is how often waitForResult re-reads the action row.
type Config struct {
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	PurgeTimeout time.Duration `yaml:"purge_timeout"`
	ShellTimeout time.Duration `yaml:"shell_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the stock timeouts: ping 10s, purge 1m, shell 1h,
// poll every 2s.
func DefaultConfig() Config {
	return Config{
		PingTimeout:  10 * time.Second,
		PurgeTimeout: time.Minute,
		ShellTimeout: time.Hour,
		PollInterval: 2 * time.Second,
	}
}

// Service executes operator commands against the store. It never talks to
// agent sessions directly; the queue is the only coupling, which lets a
// control call outlive the session (and even the server process) that
// serves it.
type Service struct {
	store *store.Store
	cfg   Config
	log   *zap.Logger
}

// New creates a control Service.
func New(st *store.Store, cfg Config, log *zap.Logger) *Service {
	return &Service{store: st, cfg: cfg, log: log.Named("control")}
}

// ClientInfo is one row of the List response.
type ClientInfo struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// List returns every registered client. Address is "-" when unknown.
func (s *Service) List(ctx context.Context) ([]ClientInfo, error) {
	clients, err := s.store.ListClients(ctx, nil, store.ListOptions{})
	if err != nil {
		return nil, err
	}
	infos := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		addr := "-"
		if c.Address != nil {
			addr = *c.Address
		}
		infos = append(infos, ClientInfo{ID: c.ID, Address: addr, Connected: c.Connected})
	}
	return infos, nil
}

// Ping enqueues a ping for the client and verifies the echoed nonce.
func (s *Service) Ping(ctx context.Context, clientID string) error {
	id, err := s.enqueue(ctx, clientID, db.CommandPing, func(tx *gorm.DB, actionID string) error {
		return s.store.CreatePingCommand(ctx, tx, &db.PingCommand{ID: actionID, Data: pingNonce})
	})
	if err != nil {
		return err
	}

	action, err := s.waitForResult(ctx, id, s.cfg.PingTimeout)
	if err != nil {
		return err
	}
	if string(action.Result) != pingNonce {
		return ErrUnavailable
	}
	return nil
}

// Purge enqueues a purge for the client and returns the confirmation text.
func (s *Service) Purge(ctx context.Context, clientID string) (string, error) {
	id, err := s.enqueue(ctx, clientID, db.CommandPurge, nil)
	if err != nil {
		return "", err
	}

	action, err := s.waitForResult(ctx, id, s.cfg.PurgeTimeout)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(action.Result, purgedResult) {
		return "", ErrUnavailable
	}
	return string(purgedResult), nil
}

// ShellRequest describes one shell command for a client.
type ShellRequest struct {
	ClientID string
	Cmd      string
	Args     []string
	Stdin    []byte
}

// ShellOutput is the captured output of a finished shell action. Stdout is
// set on exit code 0, Stderr otherwise.
type ShellOutput struct {
	Stdout []byte `json:"stdout"`
	Stderr []byte `json:"stderr"`
}

// Shell enqueues a shell command for the client and returns its output.
func (s *Service) Shell(ctx context.Context, req ShellRequest) (*ShellOutput, error) {
	id, err := s.enqueue(ctx, req.ClientID, db.CommandShell, func(tx *gorm.DB, actionID string) error {
		return s.store.CreateShellCommand(ctx, tx, &db.ShellCommand{
			ID:    actionID,
			Cmd:   req.Cmd,
			Args:  req.Args,
			Stdin: req.Stdin,
		})
	})
	if err != nil {
		return nil, err
	}

	action, err := s.waitForResult(ctx, id, s.cfg.ShellTimeout)
	if err != nil {
		return nil, err
	}
	if len(action.Result) == 0 && len(action.Error) == 0 {
		return nil, ErrUnavailable
	}
	return &ShellOutput{Stdout: action.Result, Stderr: action.Error}, nil
}

// enqueue creates a Pending action plus its payload row in one transaction.
// sideTable may be nil for kinds without a payload. Returns the action ID.
func (s *Service) enqueue(ctx context.Context, clientID string, kind db.CommandKind, sideTable func(tx *gorm.DB, actionID string) error) (string, error) {
	var actionID string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := s.store.GetClient(ctx, tx, clientID); err != nil {
			return err
		}
		action := db.NewAction(clientID, kind)
		if err := s.store.CreateAction(ctx, tx, action); err != nil {
			return err
		}
		if sideTable != nil {
			if err := sideTable(tx, action.ID); err != nil {
				return err
			}
		}
		actionID = action.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("action enqueued",
		zap.String("client_id", clientID),
		zap.String("action_id", actionID),
		zap.String("command", kind.String()),
	)
	return actionID, nil
}

// waitForResult polls the action row until it reaches Finished or the
// timeout expires. Read errors are logged and retried; the session ingesting
// the result runs in a separate transactional context, so there is nothing
// to subscribe to.
func (s *Service) waitForResult(ctx context.Context, actionID string, timeout time.Duration) (*db.Action, error) {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		action, err := s.store.GetAction(wctx, nil, actionID)
		if err != nil {
			if wctx.Err() != nil {
				return nil, s.deadline(ctx)
			}
			s.log.Warn("failed to poll action, retrying",
				zap.String("action_id", actionID),
				zap.Error(err),
			)
		} else if action.State == db.StateFinished {
			return action, nil
		}

		select {
		case <-wctx.Done():
			return nil, s.deadline(ctx)
		case <-ticker.C:
		}
	}
}

// deadline distinguishes the kind timeout from the caller hanging up.
func (s *Service) deadline(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrTimeout
}
