// Package coordinator owns the live side of the fleet: one Session per
// connected agent, each running an inbound result pump, an outbound action
// dispatcher, and a periodic health pinger. All durable state lives in the
// store; the coordinator keeps only the set of open connections in memory so
// a restart recovers from the database alone.
package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
)

// Coordinator tracks active agent sessions and creates new ones. It is safe
// for concurrent use; the HTTP layer calls into it from many goroutines.
type Coordinator struct {
	store   *store.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session // keyed by client ID
}

// New creates a Coordinator.
func New(st *store.Store, m *metrics.Metrics, log *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    st,
		metrics:  m,
		log:      log.Named("coordinator"),
		sessions: make(map[string]*Session),
	}
}

// Register creates a new client record and returns its generated ID. The
// client starts disconnected; the agent dials the poll endpoint with this ID
// afterwards.
func (c *Coordinator) Register(ctx context.Context, address string) (string, error) {
	client := db.NewClient(address)
	if err := c.store.CreateClient(ctx, nil, client); err != nil {
		return "", err
	}
	c.log.Info("client registered",
		zap.String("client_id", client.ID),
		zap.String("address", address),
	)
	return client.ID, nil
}

// Connect claims the client row for a new session. It must be called before
// the transport is upgraded so a duplicate connect can still be refused with
// a plain HTTP error. Returns store.ErrAlreadyConnected when another session
// holds the client and store.ErrNotFound for an unknown ID.
func (c *Coordinator) Connect(ctx context.Context, clientID, address string) error {
	return c.store.ConnectClient(ctx, nil, clientID, address)
}

// Disconnect releases a claimed client row without running a session. Used
// when the transport upgrade fails after Connect already succeeded.
func (c *Coordinator) Disconnect(ctx context.Context, clientID string) error {
	return c.store.DisconnectClient(ctx, nil, clientID)
}

// RunSession drives a session for an already-claimed client until the
// connection drops, the context is cancelled, or the client is observed
// disconnected. It blocks for the lifetime of the session and always
// releases the client row on the way out.
func (c *Coordinator) RunSession(ctx context.Context, clientID string, conn Conn) {
	s := newSession(clientID, conn, c.store, c.metrics, c.log)

	c.mu.Lock()
	c.sessions[clientID] = s
	c.mu.Unlock()
	c.metrics.ConnectedClients.Inc()

	s.run(ctx)

	c.mu.Lock()
	delete(c.sessions, clientID)
	c.mu.Unlock()
	c.metrics.ConnectedClients.Dec()
}

// Shutdown closes every open session connection. RunSession callers unblock
// and release their client rows; the sweeper's Finalize pass then catches
// anything that did not get the chance.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sessions {
		c.log.Debug("closing session", zap.String("client_id", id))
		_ = s.conn.Close()
	}
}
