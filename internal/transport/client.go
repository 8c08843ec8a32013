// Package transport keeps the worker connected to the task distribution
// server and feeds every inbound message to a handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/asr-task-worker/internal/logging"
	"github.com/asr-task-worker/internal/metrics"
	"github.com/asr-task-worker/internal/voice"
	"github.com/asr-task-worker/internal/wire"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	// DefaultIdleTimeout is three missed pings of a server pinging every 30 s.
	DefaultIdleTimeout  = 90 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	// maxMessageSize bounds one inbound frame.
	maxMessageSize = 8 << 20
)

// Handler consumes decoded messages. Replies go through out, which is bound
// to the connection the message arrived on. Reset is called whenever that
// connection ends.
type Handler interface {
	HandleMessage(ctx context.Context, out voice.Sender, msg wire.Message) error
	Reset()
}

// Config configures a Client.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Client maintains one websocket connection at a time and reconnects after
// a fixed delay whenever it fails or closes.
type Client struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics
	dialer  *websocket.Dialer
}

func NewClient(cfg Config, h Handler, m *metrics.Metrics) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	return &Client{
		cfg:     cfg,
		handler: h,
		metrics: m,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run connects and serves until ctx is cancelled, reconnecting forever. It
// returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	logging.Infow("transport: starting", "url", c.cfg.URL)
	for {
		err := c.serve(ctx)
		c.handler.Reset()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logging.Errorw("transport: connection ended", "url", c.cfg.URL, "err", err)
		}
		logging.Infow("transport: reconnecting", "delay", c.cfg.ReconnectDelay.String())
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// serve handles one connection. Messages are decoded and dispatched in
// arrival order on the calling goroutine.
func (c *Client) serve(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn := newConn(ws, c.cfg.WriteTimeout)
	c.metrics.RecordConnect()
	ctx = logging.WithFields(ctx, "url", c.cfg.URL)
	logging.InfowCtx(ctx, "transport: connected to task server")
	defer c.metrics.RecordDisconnect()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			conn.closeGracefully()
		case <-done:
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		if err := ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return err
		}
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Infow("transport: server closed connection", "err", err)
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ctx, conn, mt, data)
	}
}

func (c *Client) dispatch(ctx context.Context, conn *conn, mt int, data []byte) {
	var kind string
	switch mt {
	case websocket.BinaryMessage:
		kind = "binary"
	case websocket.TextMessage:
		kind = "text"
	default:
		return
	}
	c.metrics.RecordMessage(kind)
	msg, err := wire.Decode(mt == websocket.BinaryMessage, data)
	if err != nil {
		c.metrics.RecordDecodeError()
		logging.WarnwCtx(ctx, "transport: dropping undecodable message", "kind", kind, "bytes", len(data), "err", err)
		return
	}
	ctx = logging.WithFields(ctx, "session_id", msg.SessionKey())
	if err := c.handler.HandleMessage(ctx, conn, msg); err != nil {
		logging.ErrorwCtx(ctx, "transport: message handling failed", "err", err)
	}
}

// conn serializes writes to a websocket connection. It implements
// voice.Sender.
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	return &conn{ws: ws, writeTimeout: writeTimeout}
}

func (c *conn) SendText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// closeGracefully sends a close frame and closes the socket, unblocking a
// pending read.
func (c *conn) closeGracefully() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}
