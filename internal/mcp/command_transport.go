package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxLineBytes bounds one newline-delimited JSON-RPC message. Inference
// arguments carry base64 audio, so this is generous.
const maxLineBytes = 64 << 20

// stdioTransport speaks newline-delimited JSON-RPC over a child process's
// stdout/stdin pair.
type stdioTransport struct {
	conn *stdioConn
}

func newCommandTransport(r io.ReadCloser, w io.WriteCloser) *stdioTransport {
	return &stdioTransport{conn: newStdioConn(r, w)}
}

func (t *stdioTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type frame struct {
	msg jsonrpc.Message
	err error
}

type stdioConn struct {
	r io.ReadCloser
	w io.WriteCloser

	frames chan frame
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newStdioConn(r io.ReadCloser, w io.WriteCloser) *stdioConn {
	c := &stdioConn{
		r:      r,
		w:      w,
		frames: make(chan frame, 1),
		done:   make(chan struct{}),
	}
	go c.scan()
	return c
}

func (c *stdioConn) scan() {
	defer close(c.frames)
	sc := bufio.NewScanner(c.r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := jsonrpc.DecodeMessage(append([]byte(nil), line...))
		if !c.deliver(frame{msg: msg, err: err}) || err != nil {
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	c.deliver(frame{err: err})
}

func (c *stdioConn) deliver(f frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *stdioConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-c.frames:
		if !ok {
			return nil, io.EOF
		}
		return f.msg, f.err
	}
}

func (c *stdioConn) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(append(data, '\n'))
	return err
}

func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = errors.Join(c.w.Close(), c.r.Close())
	})
	return c.closeErr
}

func (c *stdioConn) SessionID() string { return "" }
