package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 5 * time.Minute
	authWait     = 10 * time.Second
	closeMsgWait = time.Second
)

// conn serializes writes from the read loop and the tick goroutine.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *conn) WriteError(code, msg string) error {
	return c.WriteTyped(ErrorResponse{Event: EventError, Code: code, Error: msg})
}

// CloseWith sends a close frame carrying code and reason.
func (c *conn) CloseWith(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeMsgWait))
}

// Drop sends a close frame and closes the socket, ending a read loop that is
// blocked in another goroutine.
func (c *conn) Drop(code int, reason string) {
	c.CloseWith(code, reason)
	_ = c.ws.Close()
}

// ReadJSON reads and decodes a message into the provided structure
// with the given read deadline.
func (c *conn) ReadJSON(v interface{}, wait time.Duration) error {
	c.ws.SetReadDeadline(time.Now().Add(wait))
	return c.ws.ReadJSON(v)
}
