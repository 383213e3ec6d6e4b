package coordinator

import (
	"github.com/gorilla/websocket"

	"github.com/kjubybot/notssh/internal/wire"
)

// Conn is the session's view of the agent transport. The production
// implementation wraps a gorilla websocket connection; tests substitute a
// channel-backed fake.
type Conn interface {
	// ReadResult blocks until the agent sends a result frame. It returns an
	// error when the connection is closed or the frame is not valid JSON.
	ReadResult() (*wire.Res, error)

	// WriteAction sends an action frame to the agent.
	WriteAction(*wire.Action) error

	// Close tears the connection down, unblocking any pending ReadResult.
	Close() error
}

// wsConn adapts a gorilla websocket connection to the Conn interface.
// Writes come from the dispatcher and the session teardown path, so they are
// serialized here; gorilla allows at most one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps an upgraded websocket connection for use by a
// session.
func NewWebsocketConn(conn *websocket.Conn) Conn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadResult() (*wire.Res, error) {
	var res wire.Res
	if err := c.conn.ReadJSON(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *wsConn) WriteAction(action *wire.Action) error {
	return c.conn.WriteJSON(action)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
