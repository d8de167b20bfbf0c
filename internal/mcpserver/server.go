// Package mcpserver exposes the execution service as an MCP tool, so agents
// can trace a Java program and read the frames it produced.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/michaelbrown/jvis/internal/events"
	"github.com/michaelbrown/jvis/internal/runner"
)

// maxResultBytes caps the text returned to the client.
const maxResultBytes = 64 << 10

// Executor runs a job and publishes its events to sink.
type Executor interface {
	Execute(ctx context.Context, job runner.Job, sink events.Sink) (runner.Result, error)
}

// MCPServer serves the visualize_java tool.
type MCPServer struct {
	exec      Executor
	logger    *zap.Logger
	mcpServer *server.MCPServer
}

// New creates an MCPServer.
func New(exec Executor, version string, logger *zap.Logger) *MCPServer {
	s := &MCPServer{exec: exec, logger: logger}
	s.mcpServer = server.NewMCPServer("jvis", version)
	s.registerVisualizeTool()
	return s
}

func (s *MCPServer) registerVisualizeTool() {
	tool := mcp.Tool{
		Name: "visualize_java",
		Description: "Run a single-file Java program in a sandbox and return its execution trace: " +
			"one JSON event per line (execution_start, frame, stdout, compile_error, error, execution_complete).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Java source. The first public class is the entry point.",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleVisualize)
}

func (s *MCPServer) handleVisualize(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil || strings.TrimSpace(code) == "" {
		return errResult("error: 'code' is required"), nil
	}

	var sink trace
	res, runErr := s.exec.Execute(ctx, runner.Job{Mode: runner.ModeSingle, Source: code}, &sink)

	text, err := sink.Text()
	if err != nil {
		return nil, fmt.Errorf("encoding events: %w", err)
	}

	s.logger.Info("visualize_java finished",
		zap.String("execution_id", res.ExecutionID),
		zap.String("status", res.Status),
		zap.Int("events", sink.Len()),
		zap.Error(runErr),
	)

	if runErr != nil && sink.Len() == 0 {
		return errResult("error: " + runErr.Error()), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: runErr != nil,
	}, nil
}

// trace is a Sink that renders events as JSON lines and holds at most
// maxResultBytes of them. Once full it only remembers the newest event, so
// the caller still sees how the run ended.
type trace struct {
	mu      sync.Mutex
	lines   []string
	size    int
	last    string // newest event past the budget
	skipped int    // events past the budget, last included
	count   int
	err     error
}

func (t *trace) Publish(ev events.Event) {
	b, err := json.Marshal(ev)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	if err != nil {
		if t.err == nil {
			t.err = err
		}
		return
	}
	line := string(b)
	if t.skipped == 0 && t.size+len(line)+1 <= maxResultBytes {
		t.lines = append(t.lines, line)
		t.size += len(line) + 1
		return
	}
	t.skipped++
	t.last = line
}

// Len returns the number of events published.
func (t *trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Text renders the kept events. When some were cut, earlier lines are given
// up until the newest event fits after the truncation marker.
func (t *trace) Text() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	if t.skipped == 0 {
		return strings.Join(t.lines, "\n"), nil
	}

	head := t.lines
	size := t.size
	cut := t.skipped - 1
	for len(head) > 0 && size+len(truncMarker(cut+1))+len(t.last) > maxResultBytes {
		size -= len(head[len(head)-1]) + 1
		head = head[:len(head)-1]
		cut++
	}

	var out strings.Builder
	for _, line := range head {
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if cut > 0 {
		out.WriteString(truncMarker(cut))
	}
	out.WriteString(t.last)
	return out.String(), nil
}

func truncMarker(n int) string {
	return fmt.Sprintf("... (%d events truncated)\n", n)
}

// formatEvents renders evs the way a tool call returns them.
func formatEvents(evs []events.Event) (string, error) {
	var tr trace
	for _, ev := range evs {
		tr.Publish(ev)
	}
	return tr.Text()
}

// ServeStdio serves MCP on stdin/stdout until the client disconnects.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
