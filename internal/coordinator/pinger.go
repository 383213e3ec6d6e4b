package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kjubybot/notssh/internal/db"
)

// pingInterval is how often the health pinger enqueues a ping action for its
// client.
const pingInterval = time.Minute

// healthNonce is the nonce carried by every ping action. The agent must echo
// it back verbatim.
const healthNonce = "ping"

// ping enqueues a ping action for the session's client as soon as the
// session starts and then once a minute. The round trip through the queue
// doubles as a liveness probe: an agent that stopped answering stops
// refreshing last_online and eventually ages out. The loop stops when the
// client is observed disconnected or a transaction fails; the next session
// starts a fresh one.
func (s *Session) ping(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
			client, err := s.store.GetClient(ctx, tx, s.clientID)
			if err != nil {
				return err
			}
			if !client.Connected {
				return errClientDisconnected
			}

			action := db.NewAction(s.clientID, db.CommandPing)
			if err := s.store.CreateAction(ctx, tx, action); err != nil {
				return err
			}
			return s.store.CreatePingCommand(ctx, tx, &db.PingCommand{
				ID:   action.ID,
				Data: healthNonce,
			})
		})
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("health pinger stopping", zap.Error(err))
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
