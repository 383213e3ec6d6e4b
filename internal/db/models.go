package db

import (
	"time"

	"github.com/google/uuid"
)

// CommandKind identifies what an action asks the agent to do.
// Stored as a small integer — the values are part of the schema, do not
// reorder.
type CommandKind int16

const (
	CommandPing CommandKind = iota
	CommandPurge
	CommandShell
)

// String returns the lowercase kind name for logging.
func (k CommandKind) String() string {
	switch k {
	case CommandPing:
		return "ping"
	case CommandPurge:
		return "purge"
	case CommandShell:
		return "shell"
	default:
		return "unknown"
	}
}

// ActionState is the lifecycle state of an action. Transitions are monotonic:
// Pending → Running → Finished. Stored as a small integer.
type ActionState int16

const (
	StatePending ActionState = iota
	StateRunning
	StateFinished
)

func (s ActionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Client is a registered agent. Exactly one live session may hold
// Connected=true at any instant; Address is only meaningful while connected.
// LastOnline is refreshed on every ingested result and on disconnect.
type Client struct {
	ID         string  `gorm:"primaryKey"`
	Address    *string `gorm:"type:text"`
	Connected  bool    `gorm:"not null;default:false"`
	LastOnline time.Time `gorm:"not null"`
}

func (Client) TableName() string { return "clients" }

// NewClient creates an unconnected client with a fresh UUID. address may be
// empty (registration over a transport that does not expose the peer).
func NewClient(address string) *Client {
	c := &Client{
		ID:         uuid.NewString(),
		LastOnline: time.Now().UTC(),
	}
	if address != "" {
		c.Address = &address
	}
	return c
}

// Action is one unit of work queued for a specific client. At most one of
// Result/Error is populated once State reaches Finished (Purge finishes with
// the sentinel result "purged"). Timeout is reserved and not consumed by the
// dispatch loop.
type Action struct {
	ID        string      `gorm:"primaryKey"`
	ClientID  string      `gorm:"not null;index:idx_actions_client_state"`
	Command   CommandKind `gorm:"not null"`
	State     ActionState `gorm:"not null;index:idx_actions_client_state"`
	CreatedAt time.Time   `gorm:"not null"`
	StartedAt *time.Time
	Timeout   *int64
	Result    []byte
	Error     []byte
}

func (Action) TableName() string { return "actions" }

// NewAction creates a Pending action for the given client.
func NewAction(clientID string, command CommandKind) *Action {
	return &Action{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Command:   command,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
}

// PingCommand is the payload side table for CommandPing, keyed by action ID.
// Data is the nonce the agent must echo back.
type PingCommand struct {
	ID   string `gorm:"primaryKey"`
	Data string `gorm:"not null"`
}

func (PingCommand) TableName() string { return "ping" }

// ShellCommand is the payload side table for CommandShell, keyed by action ID.
// Args is serialized as a JSON array so the same schema works on both
// backends.
type ShellCommand struct {
	ID    string   `gorm:"primaryKey"`
	Cmd   string   `gorm:"not null"`
	Args  []string `gorm:"not null;serializer:json;type:text"`
	Stdin []byte
}

func (ShellCommand) TableName() string { return "shell" }

// PurgeCommand has no payload. The table exists for schema compatibility but
// no core path ever inserts into it — Purge actions carry everything in the
// action row itself.
type PurgeCommand struct {
	ID string `gorm:"primaryKey"`
}

func (PurgeCommand) TableName() string { return "purge" }
