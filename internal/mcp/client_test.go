package mcp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message"`
}

type echoResult struct {
	Echo   string `json:"echo"`
	Length int    `json:"length"`
}

func newTestServer() *sdk.Server {
	srv := sdk.NewServer(&sdk.Implementation{Name: "test-server", Version: "1.0.0"}, nil)
	sdk.AddTool(srv, &sdk.Tool{Name: "structured", Description: "echo as structured content"}, func(ctx context.Context, req *sdk.CallToolRequest, args echoArgs) (*sdk.CallToolResult, echoResult, error) {
		return nil, echoResult{Echo: args.Message, Length: len(args.Message)}, nil
	})
	sdk.AddTool(srv, &sdk.Tool{Name: "text", Description: "echo as JSON text"}, func(ctx context.Context, req *sdk.CallToolRequest, args echoArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{
			Content: []sdk.Content{&sdk.TextContent{Text: `{"echo":"` + args.Message + `","length":1}`}},
		}, nil, nil
	})
	sdk.AddTool(srv, &sdk.Tool{Name: "fail", Description: "always fails"}, func(ctx context.Context, req *sdk.CallToolRequest, args echoArgs) (*sdk.CallToolResult, any, error) {
		return nil, nil, errors.New("model not loaded")
	})
	return srv
}

func connectInMemory(t *testing.T) *ClientWrapper {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientT, serverT := sdk.NewInMemoryTransports()
	ss, err := newTestServer().Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	w := NewClientWrapper("test-client", "test")
	require.NoError(t, w.Connect(ctx, clientT))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestCallJSONNotConnected(t *testing.T) {
	w := NewClientWrapper("test-client", "test")
	var out echoResult
	err := w.CallJSON(context.Background(), "structured", echoArgs{Message: "x"}, &out)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallJSONStructuredContent(t *testing.T) {
	w := connectInMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out echoResult
	require.NoError(t, w.CallJSON(ctx, "structured", echoArgs{Message: "hello"}, &out))
	assert.Equal(t, echoResult{Echo: "hello", Length: 5}, out)
}

func TestCallJSONTextContent(t *testing.T) {
	w := connectInMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out echoResult
	require.NoError(t, w.CallJSON(ctx, "text", echoArgs{Message: "hi"}, &out))
	assert.Equal(t, "hi", out.Echo)
}

func TestCallJSONToolError(t *testing.T) {
	w := connectInMemory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out echoResult
	err := w.CallJSON(ctx, "fail", echoArgs{Message: "x"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}


func TestConnectWebSocket(t *testing.T) {
	srvImpl := newTestServer()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			ss, err := srvImpl.Connect(context.Background(), &socketTransport{conn: newSocketConn(conn)}, nil)
			if err != nil {
				_ = conn.Close()
				return
			}
			defer ss.Close()
			_ = ss.Wait()
		}()
	}))
	defer srv.Close()

	w := NewClientWrapper("test-client", "test")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// http scheme is rewritten to ws.
	require.NoError(t, w.ConnectWebSocket(ctx, srv.URL))
	t.Cleanup(func() { _ = w.Close() })

	var out echoResult
	require.NoError(t, w.CallJSON(ctx, "structured", echoArgs{Message: "ws"}, &out))
	assert.Equal(t, "ws", out.Echo)
}

func TestSocketConnSkipsBinaryFramesAndClosesOnce(t *testing.T) {
	upgrader := websocket.Upgrader{}
	closed := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad})
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		_, _, err = ws.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce.Code
		}
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	c := newSocketConn(ws)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Read(ctx)
	require.NoError(t, err)
	req, ok := msg.(*jsonrpc.Request)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "notifications/initialized", req.Method)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not see a close frame")
	}
}

func TestCommandTransportOverPipes(t *testing.T) {
	// client writes -> server reads
	serverIn, clientOut := io.Pipe()
	// server writes -> client reads
	clientIn, serverOut := io.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ss, err := newTestServer().Connect(ctx, newCommandTransport(serverIn, serverOut), nil)
	require.NoError(t, err)
	defer ss.Close()

	w := NewClientWrapper("test-client", "test")
	require.NoError(t, w.Connect(ctx, newCommandTransport(clientIn, clientOut)))
	defer w.Close()

	var out echoResult
	require.NoError(t, w.CallJSON(ctx, "structured", echoArgs{Message: "stdio"}, &out))
	assert.Equal(t, 5, out.Length)
}

func TestStdioConnSkipsBlankLinesAndReportsEOF(t *testing.T) {
	r := io.NopCloser(strings.NewReader("\n\n" + `{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n"))
	c := newStdioConn(r, nopWriteCloser{})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	msg, err := c.Read(ctx)
	require.NoError(t, err)
	assert.NotNil(t, msg)

	_, err = c.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectCommandRequiresCommand(t *testing.T) {
	w := NewClientWrapper("test-client", "test")
	assert.Error(t, w.ConnectCommand(context.Background(), "x", "", nil, nil))
}

func TestConnectCommandRunsServerProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a helper binary")
	}
	bin := buildCommandServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	w := NewClientWrapper("test-client", "test")
	require.NoError(t, w.ConnectCommand(ctx, "cmdserver", bin, nil, map[string]string{"LOG_LEVEL": "debug"}))
	defer w.Close()

	var out struct {
		Text string `json:"text"`
	}
	require.NoError(t, w.CallJSON(ctx, "transcribe", map[string]any{"audio": "UklGRg=="}, &out))
	assert.Equal(t, "heard 8 bytes", out.Text)
}

func buildCommandServer(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "caller")
	serverDir := filepath.Join(filepath.Dir(filename), "testdata", "cmdserver")

	binPath := filepath.Join(t.TempDir(), "cmdserver")
	cmd := exec.Command("go", "build", "-o", binPath, ".")
	cmd.Dir = serverDir
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, output)
	}
	return binPath
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
