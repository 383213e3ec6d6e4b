package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/db/dbtest"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
)

func newSweeper(t *testing.T) (*Sweeper, *store.Store) {
	t.Helper()
	st := store.New(dbtest.Open(t))
	sw, err := New(st, DefaultConfig(), metrics.New(prometheus.NewRegistry()), zap.NewNop())
	require.NoError(t, err)
	return sw, st
}

func TestSweepRemovesFinishedActions(t *testing.T) {
	sw, st := newSweeper(t)
	ctx := context.Background()

	client := db.NewClient("")
	require.NoError(t, st.CreateClient(ctx, nil, client))

	// A finished ping whose payload row was never cleaned up.
	finished := db.NewAction(client.ID, db.CommandPing)
	require.NoError(t, st.CreateAction(ctx, nil, finished))
	require.NoError(t, st.CreatePingCommand(ctx, nil, &db.PingCommand{ID: finished.ID, Data: "ping"}))
	require.NoError(t, st.FinishAction(ctx, nil, finished.ID, []byte("ping"), nil))

	pending := db.NewAction(client.ID, db.CommandShell)
	require.NoError(t, st.CreateAction(ctx, nil, pending))
	require.NoError(t, st.CreateShellCommand(ctx, nil, &db.ShellCommand{ID: pending.ID, Cmd: "id"}))

	require.NoError(t, sw.RunOnce(ctx))

	_, err := st.GetAction(ctx, nil, finished.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetPingCommand(ctx, nil, finished.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Pending work survives, payload included.
	_, err = st.GetAction(ctx, nil, pending.ID)
	require.NoError(t, err)
	_, err = st.GetShellCommand(ctx, nil, pending.ID)
	require.NoError(t, err)
}

func TestSweepRemovesStaleClients(t *testing.T) {
	sw, st := newSweeper(t)
	ctx := context.Background()

	stale := db.NewClient("")
	stale.LastOnline = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, st.CreateClient(ctx, nil, stale))

	fresh := db.NewClient("")
	require.NoError(t, st.CreateClient(ctx, nil, fresh))

	require.NoError(t, sw.RunOnce(ctx))

	_, err := st.GetClient(ctx, nil, stale.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetClient(ctx, nil, fresh.ID)
	require.NoError(t, err)
}

func TestFinalizeDisconnectsEverything(t *testing.T) {
	sw, st := newSweeper(t)
	ctx := context.Background()

	client := db.NewClient("")
	require.NoError(t, st.CreateClient(ctx, nil, client))
	require.NoError(t, st.ConnectClient(ctx, nil, client.ID, "198.51.100.4:41000"))

	require.NoError(t, sw.Finalize(ctx))

	got, err := st.GetClient(ctx, nil, client.ID)
	require.NoError(t, err)
	require.False(t, got.Connected)
	require.Nil(t, got.Address)
}
