// Command cmdserver is a stdio MCP server used by the command transport tests.
// It answers a transcribe tool with a fixed transcript sized by the input.
package main

import (
	"context"
	"fmt"
	"os"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type transcribeArgs struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
}

type transcribeResult struct {
	Text string `json:"text"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "cmdserver", Version: "1.0.0"}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "transcribe", Description: "fixed transcript"}, func(ctx context.Context, req *sdk.CallToolRequest, args transcribeArgs) (*sdk.CallToolResult, transcribeResult, error) {
		return nil, transcribeResult{Text: fmt.Sprintf("heard %d bytes", len(args.Audio))}, nil
	})

	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		fmt.Fprintf(os.Stderr, "cmdserver exited: %v\n", err)
	}
}
