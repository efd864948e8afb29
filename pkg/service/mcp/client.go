package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Client talks to a casefile MCP server, remote over HTTP or as a child
// process over stdio.
type Client struct {
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// ClientConfig selects how to reach the server.
type ClientConfig struct {
	Transport string // "stdio" or "http"
	Command   []string
	URL       string
	Env       map[string]string
}

// Connect opens a session and lists the tools the server offers.
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	mcpClient := mcp.NewClient(&mcp.Implementation{
		Name:    ServerName + "-client",
		Version: Version,
	}, nil)

	var transport mcp.Transport
	var err error

	switch cfg.Transport {
	case "stdio":
		transport, err = createStdioTransport(cfg)
	case "http":
		transport, err = createHTTPTransport(cfg)
	default:
		return nil, goerr.New("unsupported transport",
			goerr.V("transport", cfg.Transport),
			goerr.V("supported", []string{"stdio", "http"}))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create transport")
	}

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to MCP server", goerr.V("url", cfg.URL))
	}

	toolsResult, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, goerr.Wrap(err, "failed to list tools")
	}

	return &Client{session: session, tools: toolsResult.Tools}, nil
}

func createStdioTransport(cfg ClientConfig) (mcp.Transport, error) {
	if len(cfg.Command) == 0 {
		return nil, goerr.New("command is required for stdio transport")
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	return &mcp.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(cfg ClientConfig) (mcp.Transport, error) {
	if cfg.URL == "" {
		return nil, goerr.New("url is required for http transport")
	}

	return &mcp.StreamableClientTransport{
		Endpoint: cfg.URL,
	}, nil
}

// ToolNames returns the names of the tools offered by the server.
func (c *Client) ToolNames() []string {
	names := make([]string, len(c.tools))
	for i, t := range c.tools {
		names[i] = t.Name
	}
	return names
}

// CallTool calls a tool and returns its text content. A tool-level error
// reported by the server is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", goerr.Wrap(err, "failed to call tool", goerr.V("tool", name))
	}

	var texts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if result.IsError {
		return "", goerr.New("tool returned error", goerr.V("tool", name), goerr.V("message", joined))
	}
	return joined, nil
}

func (c *Client) callJSON(ctx context.Context, name string, arguments map[string]any, out any) error {
	text, err := c.CallTool(ctx, name, arguments)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return goerr.Wrap(err, "failed to decode tool result", goerr.V("tool", name))
	}
	return nil
}

func (c *Client) Chat(ctx context.Context, input *chat.Input) (*chat.Output, error) {
	args := map[string]any{"message": input.Message}
	if input.SessionID != "" {
		args["session_id"] = input.SessionID
	}
	if len(input.UserContext) > 0 {
		args["context"] = input.UserContext
	}

	var out chat.Output
	if err := c.callJSON(ctx, "chat", args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetHistory(ctx context.Context, sessionID string, limit int) ([]*model.HistoryEntry, error) {
	var entries []*model.HistoryEntry
	if err := c.callJSON(ctx, "get_history", map[string]any{"session_id": sessionID, "limit": limit}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) Clear(ctx context.Context, sessionID string) error {
	_, err := c.CallTool(ctx, "clear_history", map[string]any{"session_id": sessionID})
	return err
}

func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return goerr.Wrap(err, "failed to close session")
	}
	return nil
}
