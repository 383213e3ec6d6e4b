package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/db/dbtest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(dbtest.Open(t))
}

func createClient(t *testing.T, s *Store) *db.Client {
	t.Helper()
	client := db.NewClient("10.0.0.1:52000")
	require.NoError(t, s.CreateClient(context.Background(), nil, client))
	return client
}

func TestCreateClientConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	client := createClient(t, s)
	dup := &db.Client{ID: client.ID, LastOnline: time.Now().UTC()}
	require.ErrorIs(t, s.CreateClient(ctx, nil, dup), ErrConflict)
}

func TestConnectClientSingleWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	require.NoError(t, s.ConnectClient(ctx, nil, client.ID, "10.0.0.1:52001"))

	got, err := s.GetClient(ctx, nil, client.ID)
	require.NoError(t, err)
	require.True(t, got.Connected)
	require.NotNil(t, got.Address)
	require.Equal(t, "10.0.0.1:52001", *got.Address)

	// A second claim on the same row must lose.
	require.ErrorIs(t, s.ConnectClient(ctx, nil, client.ID, "10.0.0.2:52002"), ErrAlreadyConnected)

	// The winner's address survives the losing attempt.
	got, err = s.GetClient(ctx, nil, client.ID)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:52001", *got.Address)
}

func TestConnectClientUnknown(t *testing.T) {
	s := newStore(t)
	require.ErrorIs(t, s.ConnectClient(context.Background(), nil, "nope", ""), ErrNotFound)
}

func TestDisconnectClientClearsAddress(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)
	require.NoError(t, s.ConnectClient(ctx, nil, client.ID, "10.0.0.1:52001"))

	require.NoError(t, s.DisconnectClient(ctx, nil, client.ID))

	got, err := s.GetClient(ctx, nil, client.ID)
	require.NoError(t, err)
	require.False(t, got.Connected)
	require.Nil(t, got.Address)
}

func TestDisconnectAllClients(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a := createClient(t, s)
	b := createClient(t, s)
	require.NoError(t, s.ConnectClient(ctx, nil, a.ID, "addr-a"))
	require.NoError(t, s.ConnectClient(ctx, nil, b.ID, "addr-b"))

	require.NoError(t, s.DisconnectAllClients(ctx, nil))

	clients, err := s.ListClients(ctx, nil, ListOptions{})
	require.NoError(t, err)
	require.Len(t, clients, 2)
	for _, c := range clients {
		require.False(t, c.Connected)
		require.Nil(t, c.Address)
	}
}

func TestListClientsOrderAndPaging(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Insert out of key order; listing is keyed, not recency-sorted.
	for _, id := range []string{"b", "c", "a"} {
		client := db.NewClient("")
		client.ID = id
		require.NoError(t, s.CreateClient(ctx, nil, client))
	}

	all, err := s.ListClients(ctx, nil, ListOptions{})
	require.NoError(t, err)
	var got []string
	for _, c := range all {
		got = append(got, c.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)

	page, err := s.ListClients(ctx, nil, ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "b", page[0].ID)
}

func TestNextPendingActionOrdering(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	base := time.Now().UTC().Add(-time.Minute)

	// Out-of-order creation with explicit timestamps, plus a created_at tie
	// that must break on the primary key.
	second := db.NewAction(client.ID, db.CommandPing)
	second.ID = "b"
	second.CreatedAt = base.Add(time.Second)
	first := db.NewAction(client.ID, db.CommandPing)
	first.ID = "z"
	first.CreatedAt = base
	tied := db.NewAction(client.ID, db.CommandPing)
	tied.ID = "a"
	tied.CreatedAt = base.Add(time.Second)

	for _, a := range []*db.Action{second, first, tied} {
		require.NoError(t, s.CreateAction(ctx, nil, a))
	}

	var order []string
	for range 3 {
		next, err := s.NextPendingAction(ctx, nil, client.ID)
		require.NoError(t, err)
		order = append(order, next.ID)
		require.NoError(t, s.MarkActionRunning(ctx, nil, next.ID, time.Now().UTC()))
	}
	require.Equal(t, []string{"z", "a", "b"}, order)

	_, err := s.NextPendingAction(ctx, nil, client.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkActionRunningOnlyOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	action := db.NewAction(client.ID, db.CommandShell)
	require.NoError(t, s.CreateAction(ctx, nil, action))

	require.NoError(t, s.MarkActionRunning(ctx, nil, action.ID, time.Now().UTC()))
	require.ErrorIs(t, s.MarkActionRunning(ctx, nil, action.ID, time.Now().UTC()), ErrNotFound)

	got, err := s.GetAction(ctx, nil, action.ID)
	require.NoError(t, err)
	require.Equal(t, db.StateRunning, got.State)
	require.NotNil(t, got.StartedAt)
}

func TestFinishAction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	action := db.NewAction(client.ID, db.CommandShell)
	require.NoError(t, s.CreateAction(ctx, nil, action))
	require.NoError(t, s.FinishAction(ctx, nil, action.ID, []byte("out"), nil))

	got, err := s.GetAction(ctx, nil, action.ID)
	require.NoError(t, err)
	require.Equal(t, db.StateFinished, got.State)
	require.Equal(t, []byte("out"), got.Result)
	require.Empty(t, got.Error)
}

func TestListActionsByStatePaging(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []string{"a1", "a2", "a3"} {
		action := db.NewAction(client.ID, db.CommandPing)
		action.ID = id
		action.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.CreateAction(ctx, nil, action))
		require.NoError(t, s.FinishAction(ctx, nil, id, []byte("x"), nil))
	}

	page, err := s.ListActionsByState(ctx, nil, db.StateFinished, ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "a2", page[0].ID)
	require.Equal(t, "a3", page[1].ID)
}

func TestDeleteClientCascadesActions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	action := db.NewAction(client.ID, db.CommandPing)
	require.NoError(t, s.CreateAction(ctx, nil, action))

	require.NoError(t, s.DeleteClient(ctx, nil, client.ID))

	_, err := s.GetAction(ctx, nil, action.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteStaleClients(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	stale := db.NewClient("")
	stale.LastOnline = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, s.CreateClient(ctx, nil, stale))

	fresh := createClient(t, s)
	connected := db.NewClient("")
	connected.LastOnline = time.Now().UTC().Add(-25 * time.Hour)
	require.NoError(t, s.CreateClient(ctx, nil, connected))
	require.NoError(t, s.ConnectClient(ctx, nil, connected.ID, "addr"))

	n, err := s.DeleteStaleClients(ctx, nil, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.GetClient(ctx, nil, stale.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetClient(ctx, nil, fresh.ID)
	require.NoError(t, err)
	_, err = s.GetClient(ctx, nil, connected.ID)
	require.NoError(t, err)
}

func TestPingCommandLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	action := db.NewAction(client.ID, db.CommandPing)
	require.NoError(t, s.CreateAction(ctx, nil, action))
	require.NoError(t, s.CreatePingCommand(ctx, nil, &db.PingCommand{ID: action.ID, Data: "ping"}))

	cmd, err := s.GetPingCommand(ctx, nil, action.ID)
	require.NoError(t, err)
	require.Equal(t, "ping", cmd.Data)

	require.NoError(t, s.DeletePingCommand(ctx, nil, action.ID))
	_, err = s.GetPingCommand(ctx, nil, action.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine, the cascade may have raced us.
	require.NoError(t, s.DeletePingCommand(ctx, nil, action.ID))
}

func TestShellCommandRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	client := createClient(t, s)

	action := db.NewAction(client.ID, db.CommandShell)
	require.NoError(t, s.CreateAction(ctx, nil, action))
	require.NoError(t, s.CreateShellCommand(ctx, nil, &db.ShellCommand{
		ID:    action.ID,
		Cmd:   "grep",
		Args:  []string{"-i", "needle"},
		Stdin: []byte("haystack with Needle\n"),
	}))

	cmd, err := s.GetShellCommand(ctx, nil, action.ID)
	require.NoError(t, err)
	require.Equal(t, "grep", cmd.Cmd)
	require.Equal(t, []string{"-i", "needle"}, cmd.Args)
	require.Equal(t, []byte("haystack with Needle\n"), cmd.Stdin)
}
