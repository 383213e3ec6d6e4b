// Package wire defines the JSON messages exchanged between the coordinator
// and its agents over the poll WebSocket. The coordinator sends Action
// frames, the agent answers with Res frames. Both are oneof-style envelopes:
// exactly one variant pointer is non-nil.
//
// Action example:
//
//	{"id":"018f...","shell":{"cmd":"uname","args":["-a"],"stdin":null}}
//
// Res example:
//
//	{"id":"018f...","shell":{"code":0,"stdout":"TGlu...","stderr":""}}
//
// Byte fields are base64-encoded by encoding/json.
package wire

import "errors"

// ErrNoVariant is returned when an envelope carries no variant at all.
// A frame like this is malformed and ends the session that received it.
var ErrNoVariant = errors.New("wire: message carries no variant")

// Ping asks the agent to echo Data back in a Pong.
type Ping struct {
	Data string `json:"data"`
}

// Purge asks the agent to remove itself from the host and exit.
type Purge struct{}

// Shell asks the agent to run a child process.
type Shell struct {
	Cmd   string   `json:"cmd"`
	Args  []string `json:"args"`
	Stdin []byte   `json:"stdin,omitempty"`
}

// Action is a coordinator→agent frame carrying one command to execute.
type Action struct {
	ID    string `json:"id"`
	Ping  *Ping  `json:"ping,omitempty"`
	Purge *Purge `json:"purge,omitempty"`
	Shell *Shell `json:"shell,omitempty"`
}

// Validate checks that exactly one variant is set.
func (a *Action) Validate() error {
	n := 0
	if a.Ping != nil {
		n++
	}
	if a.Purge != nil {
		n++
	}
	if a.Shell != nil {
		n++
	}
	if n != 1 {
		return ErrNoVariant
	}
	return nil
}

// Pong is the agent's echo of a Ping nonce.
type Pong struct {
	Data string `json:"data"`
}

// Purged acknowledges a Purge. The agent sends it right before removing
// itself.
type Purged struct{}

// ShellResult carries the outcome of a Shell command.
type ShellResult struct {
	Code   int32  `json:"code"`
	Stdout []byte `json:"stdout,omitempty"`
	Stderr []byte `json:"stderr,omitempty"`
}

// Res is an agent→coordinator frame carrying the result of one action.
// ActionID refers to the Action frame being answered.
type Res struct {
	ActionID string       `json:"id"`
	Pong     *Pong        `json:"pong,omitempty"`
	Purged   *Purged      `json:"purged,omitempty"`
	Shell    *ShellResult `json:"shell,omitempty"`
}

// Validate checks that exactly one variant is set.
func (r *Res) Validate() error {
	n := 0
	if r.Pong != nil {
		n++
	}
	if r.Purged != nil {
		n++
	}
	if r.Shell != nil {
		n++
	}
	if n != 1 {
		return ErrNoVariant
	}
	return nil
}
