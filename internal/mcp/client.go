package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/asr-task-worker/internal/logging"
	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNotConnected is returned by CallJSON before a session is established.
var ErrNotConnected = errors.New("mcp: not connected")

// ClientWrapper connects to an MCP server over websocket or command
// transports and manages the client session lifecycle.
type ClientWrapper struct {
	client          *sdk.Client
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
	mu              sync.Mutex
}

// NewClientWrapper creates a new wrapper with the given name/version.
func NewClientWrapper(name, version string) *ClientWrapper {
	impl := &sdk.Implementation{Name: name, Version: version}
	c := sdk.NewClient(impl, nil)
	return &ClientWrapper{client: c}
}

// ConnectWebSocket connects to the MCP server websocket endpoint and creates a session.
func (w *ClientWrapper) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	if err := w.Connect(ctx, &socketTransport{conn: newSocketConn(conn)}); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: connected websocket server", "url", rawurl)
	return nil
}

// ConnectCommand spawns a local MCP server process and connects via stdio.
func (w *ClientWrapper) ConnectCommand(ctx context.Context, serverName, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = stdout.Close()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		return err
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp: server stderr", "server", serverName, "line", scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			logging.Debugw("mcp: server stderr read error", "server", serverName, "err", err)
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	if err := w.Connect(ctx, newCommandTransport(stdout, stdin)); err != nil {
		_ = stdout.Close()
		_ = stdin.Close()
		_ = stderr.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}

	logging.Infow("mcp: command server started", "server", serverName, "command", command, "args", strings.Join(args, " "))

	w.appendCloser(func() error {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		var err error
		select {
		case err = <-waitCh:
		default:
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			err = <-waitCh
		}
		if err != nil {
			logging.Warnw("mcp: command server exited with error", "server", serverName, "err", err)
		} else {
			logging.Infow("mcp: command server exited", "server", serverName)
		}
		return err
	})

	return nil
}

func (w *ClientWrapper) appendCloser(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closers = append(w.closers, fn)
}

// Connect creates a session over an already established transport and
// starts a keepalive ping.
func (w *ClientWrapper) Connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := w.client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.session = sess
	if prev := w.keepaliveCancel; prev != nil {
		prev()
	}
	w.keepaliveCancel = cancel
	w.mu.Unlock()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil {
					logging.Warnw("mcp: keepalive ping failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// CallJSON calls tool with args and decodes its result into out. Structured
// content is preferred; otherwise the first text content must hold JSON.
func (w *ClientWrapper) CallJSON(ctx context.Context, tool string, args any, out any) error {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return fmt.Errorf("mcp: call %s: %w", tool, err)
	}
	if res.IsError {
		return fmt.Errorf("mcp: tool %s failed: %s", tool, firstText(res))
	}
	if res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return fmt.Errorf("mcp: re-encode %s result: %w", tool, err)
		}
		return json.Unmarshal(b, out)
	}
	text := firstText(res)
	if text == "" {
		return fmt.Errorf("mcp: tool %s returned no content", tool)
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("mcp: decode %s result: %w", tool, err)
	}
	return nil
}

func firstText(res *sdk.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*sdk.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func (w *ClientWrapper) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var errs []error
	if w.keepaliveCancel != nil {
		w.keepaliveCancel()
		w.keepaliveCancel = nil
	}
	if w.session != nil {
		if err := w.session.Close(); err != nil {
			errs = append(errs, err)
		}
		w.session = nil
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	w.closers = nil
	return errors.Join(errs...)
}
