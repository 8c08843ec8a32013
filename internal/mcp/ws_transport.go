package mcp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/asr-task-worker/internal/logging"
)

const socketWriteTimeout = 10 * time.Second

// socketTransport hands an already dialed websocket to the SDK.
type socketTransport struct {
	conn *socketConn
}

func (t *socketTransport) Connect(ctx context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

// socketConn carries one JSON-RPC message per text frame.
type socketConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newSocketConn(ws *websocket.Conn) *socketConn {
	return &socketConn{ws: ws}
}

func (c *socketConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
		defer c.ws.SetReadDeadline(time.Time{})
	}
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage {
			logging.Debugw("mcp: ignoring non-text frame", "type", mt, "bytes", len(data))
			continue
		}
		return jsonrpc.DecodeMessage(data)
	}
}

func (c *socketConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(socketWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close says goodbye to the peer before dropping the socket. Repeated calls
// return the first result.
func (c *socketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		bye := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := c.ws.WriteControl(websocket.CloseMessage, bye, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			logging.Debugw("mcp: close frame not sent", "err", err)
		}
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *socketConn) SessionID() string { return "" }
