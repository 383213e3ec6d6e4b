package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/db/dbtest"
	"github.com/kjubybot/notssh/internal/store"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := store.New(dbtest.Open(t))
	cfg := Config{
		PingTimeout:  500 * time.Millisecond,
		PurgeTimeout: 500 * time.Millisecond,
		ShellTimeout: 500 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}
	return New(st, cfg, zap.NewNop()), st
}

func createClient(t *testing.T, st *store.Store) *db.Client {
	t.Helper()
	client := db.NewClient("192.0.2.7:40000")
	require.NoError(t, st.CreateClient(context.Background(), nil, client))
	return client
}

// finishNext plays the agent side: it waits for the next pending action of
// the given kind and finishes it with the supplied outcome.
func finishNext(t *testing.T, st *store.Store, clientID string, kind db.CommandKind, result, errData []byte) {
	t.Helper()
	ctx := context.Background()

	var action *db.Action
	require.Eventually(t, func() bool {
		var err error
		action, err = st.NextPendingAction(ctx, nil, clientID)
		return err == nil && action.Command == kind
	}, 5*time.Second, 10*time.Millisecond)

	switch kind {
	case db.CommandPing:
		require.NoError(t, st.DeletePingCommand(ctx, nil, action.ID))
	case db.CommandShell:
		require.NoError(t, st.DeleteShellCommand(ctx, nil, action.ID))
	}
	require.NoError(t, st.FinishAction(ctx, nil, action.ID, result, errData))
}

func TestPingSuccess(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	done := make(chan error, 1)
	go func() { done <- svc.Ping(context.Background(), client.ID) }()

	finishNext(t, st, client.ID, db.CommandPing, []byte("ping"), nil)
	require.NoError(t, <-done)
}

func TestPingWrongNonce(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	done := make(chan error, 1)
	go func() { done <- svc.Ping(context.Background(), client.ID) }()

	finishNext(t, st, client.ID, db.CommandPing, []byte("pong?"), nil)
	require.ErrorIs(t, <-done, ErrUnavailable)
}

func TestPingUnknownClient(t *testing.T) {
	svc, _ := newService(t)
	require.ErrorIs(t, svc.Ping(context.Background(), "missing"), store.ErrNotFound)
}

func TestPingTimeoutLeavesAction(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	start := time.Now()
	err := svc.Ping(context.Background(), client.ID)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	// The action stays queued; nothing consumed it.
	action, err := st.NextPendingAction(context.Background(), nil, client.ID)
	require.NoError(t, err)
	require.Equal(t, db.CommandPing, action.Command)
}

func TestPurgeSuccess(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	done := make(chan error, 1)
	var text string
	go func() {
		var err error
		text, err = svc.Purge(context.Background(), client.ID)
		done <- err
	}()

	finishNext(t, st, client.ID, db.CommandPurge, []byte("purged"), nil)
	require.NoError(t, <-done)
	require.Equal(t, "purged", text)
}

func TestShellCapturesOutput(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	type result struct {
		out *ShellOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := svc.Shell(context.Background(), ShellRequest{
			ClientID: client.ID,
			Cmd:      "echo",
			Args:     []string{"hi"},
		})
		done <- result{out, err}
	}()

	finishNext(t, st, client.ID, db.CommandShell, []byte("hi\n"), nil)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []byte("hi\n"), res.out.Stdout)
	require.Empty(t, res.out.Stderr)
}

func TestShellSurfacesStderr(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	type result struct {
		out *ShellOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := svc.Shell(context.Background(), ShellRequest{ClientID: client.ID, Cmd: "false"})
		done <- result{out, err}
	}()

	finishNext(t, st, client.ID, db.CommandShell, nil, []byte("boom"))

	res := <-done
	require.NoError(t, res.err)
	require.Empty(t, res.out.Stdout)
	require.Equal(t, []byte("boom"), res.out.Stderr)
}

func TestShellEmptyOutcomeIsUnavailable(t *testing.T) {
	svc, st := newService(t)
	client := createClient(t, st)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Shell(context.Background(), ShellRequest{ClientID: client.ID, Cmd: "true"})
		done <- err
	}()

	finishNext(t, st, client.ID, db.CommandShell, nil, nil)
	require.ErrorIs(t, <-done, ErrUnavailable)
}

func TestListFormatsAddress(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	offline := db.NewClient("")
	require.NoError(t, st.CreateClient(ctx, nil, offline))
	online := createClient(t, st)
	require.NoError(t, st.ConnectClient(ctx, nil, online.ID, "192.0.2.7:40001"))

	infos, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]ClientInfo{}
	for _, info := range infos {
		byID[info.ID] = info
	}
	require.Equal(t, "-", byID[offline.ID].Address)
	require.False(t, byID[offline.ID].Connected)
	require.Equal(t, "192.0.2.7:40001", byID[online.ID].Address)
	require.True(t, byID[online.ID].Connected)
}
