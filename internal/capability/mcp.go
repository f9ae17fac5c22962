package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TransportFactory opens a fresh MCP transport for one call.
type TransportFactory func(ctx context.Context) (gomcp.Transport, error)

// MCPProvider invokes a tool on an MCP server. Each call uses its own
// session so providers can be shared across goroutines.
type MCPProvider struct {
	Tool    string
	Connect TransportFactory
	Version string
}

// NewCommandMCPProvider spawns command over stdio for every call.
func NewCommandMCPProvider(command []string, tool string) (*MCPProvider, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("mcp provider: command is required")
	}
	return &MCPProvider{
		Tool: tool,
		Connect: func(ctx context.Context) (gomcp.Transport, error) {
			return &gomcp.CommandTransport{Command: exec.CommandContext(ctx, command[0], command[1:]...)}, nil
		},
	}, nil
}

// NewHTTPMCPProvider talks to a streamable HTTP MCP endpoint.
func NewHTTPMCPProvider(endpoint, tool string) *MCPProvider {
	return &MCPProvider{
		Tool: tool,
		Connect: func(context.Context) (gomcp.Transport, error) {
			return &gomcp.StreamableClientTransport{Endpoint: endpoint}, nil
		},
	}
}

func (p *MCPProvider) Process(ctx context.Context, in Input) (Output, error) {
	if p.Connect == nil {
		return nil, errors.New("mcp provider: no transport configured")
	}
	transport, err := p.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp transport: %w", err)
	}
	version := p.Version
	if version == "" {
		version = "dev"
	}
	client := gomcp.NewClient(&gomcp.Implementation{Name: "lexline", Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp connect: %w", err)
	}
	defer session.Close()

	tool := p.Tool
	if tool == "" {
		tool = string(in.Capability)
	}
	result, err := session.CallTool(ctx, &gomcp.CallToolParams{Name: tool, Arguments: toolArguments(in)})
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", tool, err)
	}
	text := resultText(result)
	if result.IsError {
		return nil, fmt.Errorf("mcp tool %s: %s", tool, text)
	}
	return decodeToolOutput(result.StructuredContent, text)
}

// toolArguments omits empty maps; tool schemas reject null objects.
func toolArguments(in Input) map[string]any {
	args := map[string]any{
		"task_id":    in.TaskID,
		"subtask_id": in.SubtaskID,
		"capability": string(in.Capability),
	}
	payload := in.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	args["payload"] = payload
	if len(in.Context) > 0 {
		args["context"] = in.Context
	}
	return args
}

func resultText(result *gomcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeToolOutput prefers structured content, then a JSON object in the
// text content, then the raw text under "text".
func decodeToolOutput(structured any, text string) (Output, error) {
	if structured != nil {
		data, err := json.Marshal(structured)
		if err != nil {
			return nil, err
		}
		var out Output
		if err := json.Unmarshal(data, &out); err == nil && out != nil {
			return out, nil
		}
	}
	var out Output
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out, nil
	}
	return Output{"text": text}, nil
}
