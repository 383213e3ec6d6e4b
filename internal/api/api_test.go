package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/control"
	"github.com/kjubybot/notssh/internal/coordinator"
	"github.com/kjubybot/notssh/internal/db"
	"github.com/kjubybot/notssh/internal/db/dbtest"
	"github.com/kjubybot/notssh/internal/metrics"
	"github.com/kjubybot/notssh/internal/store"
	"github.com/kjubybot/notssh/internal/wire"
)

type testEnv struct {
	store    *store.Store
	agentSrv *httptest.Server
	ctlSrv   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st := store.New(dbtest.Open(t))
	log := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	coord := coordinator.New(st, m, log)

	// Ping must outlive the dispatcher's 1s idle poll or the full-stack
	// round trip cannot complete.
	svc := control.New(st, control.Config{
		PingTimeout:  3 * time.Second,
		PurgeTimeout: 3 * time.Second,
		ShellTimeout: 3 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}, log)

	agentSrv := httptest.NewServer(NewAgentRouter(coord, reg, log))
	ctlSrv := httptest.NewServer(NewControlRouter(svc, log))
	t.Cleanup(func() {
		coord.Shutdown()
		agentSrv.Close()
		ctlSrv.Close()
	})
	return &testEnv{store: st, agentSrv: agentSrv, ctlSrv: ctlSrv}
}

// register drives the real registration endpoint and returns the new ID.
func (e *testEnv) register(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.agentSrv.URL+"/api/v1/register", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Data.ID)
	return body.Data.ID
}

// poll opens the websocket for a client ID.
func (e *testEnv) poll(t *testing.T, id string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(e.agentSrv.URL, "http", "ws", 1) + "/api/v1/poll"
	header := http.Header{}
	header.Set("x-client-id", id)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRegisterAndConnect(t *testing.T) {
	e := newTestEnv(t)
	id := e.register(t)

	client, err := e.store.GetClient(context.Background(), nil, id)
	require.NoError(t, err)
	require.False(t, client.Connected)

	e.poll(t, id)

	require.Eventually(t, func() bool {
		client, err := e.store.GetClient(context.Background(), nil, id)
		return err == nil && client.Connected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPollWithoutHeader(t *testing.T) {
	e := newTestEnv(t)

	resp, err := http.Get(e.agentSrv.URL + "/api/v1/poll")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPollUnknownClient(t *testing.T) {
	e := newTestEnv(t)

	url := strings.Replace(e.agentSrv.URL, "http", "ws", 1) + "/api/v1/poll"
	header := http.Header{}
	header.Set("x-client-id", "does-not-exist")

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDuplicatePollRejected(t *testing.T) {
	e := newTestEnv(t)
	id := e.register(t)
	e.poll(t, id)

	require.Eventually(t, func() bool {
		client, err := e.store.GetClient(context.Background(), nil, id)
		return err == nil && client.Connected
	}, 5*time.Second, 10*time.Millisecond)

	url := strings.Replace(e.agentSrv.URL, "http", "ws", 1) + "/api/v1/poll"
	header := http.Header{}
	header.Set("x-client-id", id)

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// TestPingThroughFullStack wires a fake agent to the websocket and drives an
// operator ping through the control API.
func TestPingThroughFullStack(t *testing.T) {
	e := newTestEnv(t)
	id := e.register(t)
	conn := e.poll(t, id)

	// Fake agent: answer every ping with the echoed nonce.
	go func() {
		for {
			var action wire.Action
			if err := conn.ReadJSON(&action); err != nil {
				return
			}
			if action.Ping != nil {
				res := wire.Res{ActionID: action.ID, Pong: &wire.Pong{Data: action.Ping.Data}}
				if err := conn.WriteJSON(&res); err != nil {
					return
				}
			}
		}
	}()

	resp, err := http.Post(e.ctlSrv.URL+"/api/v1/clients/"+id+"/ping", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlList(t *testing.T) {
	e := newTestEnv(t)

	client := db.NewClient("")
	require.NoError(t, e.store.CreateClient(context.Background(), nil, client))

	resp, err := http.Get(e.ctlSrv.URL + "/api/v1/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Clients []control.ClientInfo `json:"clients"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data.Clients, 1)
	require.Equal(t, client.ID, body.Data.Clients[0].ID)
	require.Equal(t, "-", body.Data.Clients[0].Address)
}

func TestControlErrorMapping(t *testing.T) {
	e := newTestEnv(t)

	// Unknown client maps to 404.
	resp, err := http.Post(e.ctlSrv.URL+"/api/v1/clients/missing/ping", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Shell without a command maps to 400.
	client := db.NewClient("")
	require.NoError(t, e.store.CreateClient(context.Background(), nil, client))
	resp, err = http.Post(e.ctlSrv.URL+"/api/v1/clients/"+client.ID+"/shell",
		"application/json", strings.NewReader(`{"cmd":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// A ping nobody answers maps to 504.
	resp, err = http.Post(e.ctlSrv.URL+"/api/v1/clients/"+client.ID+"/ping", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "action timeout", body.Error.Message)
}
