// Package agent implements the notssh agent runtime: register once, keep an
// outbound websocket open to the coordinator, and execute the actions that
// arrive on it one at a time.
//
// Failure policy: registration and dialing retry forever with exponential
// backoff and jitter; an error on an established stream ends the process and
// leaves the restart to the supervisor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjubybot/notssh/internal/wire"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
	backoffFactor  = 2.0
	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// so a fleet restarting together does not reconnect in lockstep.
	jitterFraction = 0.2

	clientIDHeader = "x-client-id"
)

// errPurged ends the serve loop after a purge acknowledgement has been sent.
// A purged agent must never dial back in.
var errPurged = errors.New("agent purged")

// Config holds the parameters of one agent process.
type Config struct {
	// Endpoint is the coordinator's base URL, e.g. "http://host:3144".
	Endpoint string

	// IDPath is where the client ID is persisted across restarts.
	IDPath string
}

// Agent is the long-running client process.
type Agent struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger

	// selfPath locates the running binary for the purge path. Overridable
	// in tests.
	selfPath func() (string, error)
}

// New creates an Agent. Call Run to start it.
func New(cfg Config, log *zap.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log.Named("agent"),
		selfPath: os.Executable,
	}
}

// Run is the agent main loop: ensure a registered ID, dial the poll
// endpoint, and serve actions until the stream breaks. Dial failures retry
// with backoff; a broken established stream returns an error so the process
// can exit and be restarted cleanly. A purge removes the agent's traces and
// returns nil, ending the process for good.
func (a *Agent) Run(ctx context.Context) error {
	id, err := a.ensureRegistered(ctx)
	if err != nil {
		return err
	}
	a.log.Info("agent running", zap.String("client_id", id))

	backoff := backoffInitial
	for {
		conn, err := a.dial(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("failed to connect, retrying",
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
			if !sleep(ctx, withJitter(backoff)) {
				return nil
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = backoffInitial

		err = a.serve(ctx, conn)
		conn.Close()
		if errors.Is(err, errPurged) {
			a.purgeSelf()
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// ensureRegistered loads the persisted client ID or registers with the
// coordinator to obtain one, retrying with backoff until it succeeds.
func (a *Agent) ensureRegistered(ctx context.Context) (string, error) {
	id, err := loadID(a.cfg.IDPath)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	backoff := backoffInitial
	for {
		id, err = a.register(ctx)
		if err == nil {
			if err := saveID(a.cfg.IDPath, id); err != nil {
				return "", err
			}
			a.log.Info("registered with coordinator", zap.String("client_id", id))
			return id, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		a.log.Warn("registration failed, retrying",
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !sleep(ctx, withJitter(backoff)) {
			return "", ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (a *Agent) register(ctx context.Context) (string, error) {
	url := strings.TrimSuffix(a.cfg.Endpoint, "/") + "/api/v1/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("agent: register returned %s", resp.Status)
	}

	var body struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("agent: failed to decode register response: %w", err)
	}
	if body.Data.ID == "" {
		return "", fmt.Errorf("agent: register returned an empty id")
	}
	return body.Data.ID, nil
}

// dial opens the poll websocket, presenting the client ID in a header.
func (a *Agent) dial(ctx context.Context, id string) (*websocket.Conn, error) {
	url := strings.TrimSuffix(a.cfg.Endpoint, "/") + "/api/v1/poll"
	url = strings.Replace(url, "http", "ws", 1)

	header := http.Header{}
	header.Set(clientIDHeader, id)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("agent: poll refused with %s: %w", resp.Status, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve executes actions off an established stream one at a time, in arrival
// order. A read or write error returns non-nil and ends the process; a
// context cancellation returns nil. An acknowledged purge returns errPurged.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) error {
	a.log.Info("connected to coordinator")

	// Unblock the read when the context goes away.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var action wire.Action
		if err := conn.ReadJSON(&action); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: stream read: %w", err)
		}
		if err := action.Validate(); err != nil {
			return fmt.Errorf("agent: %w", err)
		}

		res, purge := a.execute(ctx, &action)
		if err := conn.WriteJSON(res); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent: stream write: %w", err)
		}

		if purge {
			return errPurged
		}
	}
}

// execute runs one action and builds its result frame. The purge flag tells
// the caller to self-destruct after the acknowledgement is sent.
func (a *Agent) execute(ctx context.Context, action *wire.Action) (res *wire.Res, purge bool) {
	res = &wire.Res{ActionID: action.ID}

	switch {
	case action.Ping != nil:
		a.log.Debug("ping", zap.String("action_id", action.ID))
		res.Pong = &wire.Pong{Data: action.Ping.Data}

	case action.Purge != nil:
		a.log.Info("purge requested", zap.String("action_id", action.ID))
		res.Purged = &wire.Purged{}
		purge = true

	case action.Shell != nil:
		a.log.Info("executing shell command",
			zap.String("action_id", action.ID),
			zap.String("cmd", action.Shell.Cmd),
		)
		code, stdout, stderr := runShell(ctx, action.Shell.Cmd, action.Shell.Args, action.Shell.Stdin)
		res.Shell = &wire.ShellResult{Code: code, Stdout: stdout, Stderr: stderr}
	}
	return res, purge
}

// purgeSelf removes the agent's traces: the ID file and the binary itself.
// Best effort; whatever survives is left for the operator.
func (a *Agent) purgeSelf() {
	if err := os.Remove(a.cfg.IDPath); err != nil && !os.IsNotExist(err) {
		a.log.Warn("failed to remove id file", zap.Error(err))
	}
	if exe, err := a.selfPath(); err == nil {
		if err := os.Remove(exe); err != nil {
			a.log.Warn("failed to remove binary", zap.Error(err))
		}
	}
	a.log.Info("purged, exiting")
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	jitter := (rand.Float64()*2 - 1) * jitterFraction * float64(d)
	return d + time.Duration(jitter)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
