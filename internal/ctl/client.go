// Package ctl is the operator-side client of the coordinator's control
// plane. It speaks the JSON API over the unix domain socket the server
// listens on.
package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/kjubybot/notssh/internal/control"
)

// Client talks to the control socket. Calls block for as long as the server
// side does, so a shell invocation can hold the connection for up to the
// server's shell timeout; cancellation comes from the context.
type Client struct {
	http *http.Client
}

// New returns a Client dialing the unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// List returns every client the coordinator knows about.
func (c *Client) List(ctx context.Context) ([]control.ClientInfo, error) {
	var data struct {
		Clients []control.ClientInfo `json:"clients"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/clients", nil, &data); err != nil {
		return nil, err
	}
	return data.Clients, nil
}

// Ping runs a ping round trip against the given client.
func (c *Client) Ping(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/clients/"+id+"/ping", nil, nil)
}

// Purge tells the given client to remove itself. Returns the confirmation
// text.
func (c *Client) Purge(ctx context.Context, id string) (string, error) {
	var data struct {
		Text string `json:"text"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/clients/"+id+"/purge", nil, &data); err != nil {
		return "", err
	}
	return data.Text, nil
}

// Shell runs a command on the given client and returns the captured output.
func (c *Client) Shell(ctx context.Context, id, cmd string, args []string, stdin []byte) (*control.ShellOutput, error) {
	body := map[string]any{
		"cmd":   cmd,
		"args":  args,
		"stdin": stdin,
	}
	var out control.ShellOutput
	if err := c.do(ctx, http.MethodPost, "/api/v1/clients/"+id+"/shell", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request and unwraps the {"data": ...} envelope into out.
// Error responses surface the server's message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ctl: failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	// The socket is the host; the hostname in the URL is never resolved.
	req, err := http.NewRequestWithContext(ctx, method, "http://notssh"+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ctl: request failed: %w", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("ctl: server returned %s", resp.Status)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if envelope.Error != nil {
			return fmt.Errorf("ctl: %s", envelope.Error.Message)
		}
		return fmt.Errorf("ctl: server returned %s", resp.Status)
	}

	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("ctl: failed to decode response: %w", err)
		}
	}
	return nil
}
