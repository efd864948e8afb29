package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	ServerName = "casefile"
	// Version is reported to MCP clients.
	Version = "0.1.0"

	defaultSearchLimit  = 5
	maxSearchLimit      = 50
	defaultHistoryLimit = 20
)

type ChatProcessor interface {
	Process(ctx context.Context, input *chat.Input) (*chat.Output, error)
}

type ContextComposer interface {
	Compose(ctx context.Context, sessionID, query string, userContext map[string]string) (*compose.Bundle, error)
}

type DocumentSearcher interface {
	Search(ctx context.Context, collection, query string, k int) ([]*document.Hit, error)
}

type TurnReader interface {
	GetHistory(ctx context.Context, sessionID string, limit int) []*model.ConversationTurn
	Clear(ctx context.Context, sessionID string) error
}

type SessionReader interface {
	GetSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error)
}

// Deps are the use cases exposed as tools. Corpus is optional; without it
// list_cases and get_case are not registered.
type Deps struct {
	Chat       ChatProcessor
	Composer   ContextComposer
	Documents  DocumentSearcher
	Collection string
	Turns      TurnReader
	Sessions   SessionReader
	Corpus     document.Source
}

// Server exposes the case file assistant as MCP tools.
type Server struct {
	deps   Deps
	server *mcp.Server
}

type chatParams struct {
	SessionID string            `json:"session_id,omitempty" jsonschema:"Session to continue. A new session is started when omitted"`
	Message   string            `json:"message" jsonschema:"The question for the detective"`
	Context   map[string]string `json:"context,omitempty" jsonschema:"Caller supplied key/value context such as user name"`
}

type composeParams struct {
	SessionID string            `json:"session_id" jsonschema:"Session the query belongs to"`
	Query     string            `json:"query" jsonschema:"Query to assemble context for"`
	Context   map[string]string `json:"context,omitempty" jsonschema:"Caller supplied key/value context"`
}

type searchParams struct {
	Query string `json:"query" jsonschema:"Free text to search the case files for"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of excerpts (default 5, max 50)"`
}

type sessionParams struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
}

type historyParams struct {
	SessionID string `json:"session_id" jsonschema:"Session ID"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of turns, most recent first (default 20)"`
}

type caseParams struct {
	Name string `json:"name" jsonschema:"Case file name, with or without the .txt suffix"`
}

type searchHit struct {
	Source   string  `json:"source"`
	Title    string  `json:"title"`
	Index    int     `json:"index"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps: deps,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    ServerName,
			Version: Version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "chat",
		Description: "Ask a question about the cases. The answer and the exchange are remembered within the session.",
	}, s.chat)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "compose_context",
		Description: "Assemble document, memory and session context for a query without asking the model.",
	}, s.compose)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_cases",
		Description: "Semantic search over the case files. Returns the most similar excerpts first.",
	}, s.searchCases)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_history",
		Description: "Conversation history of a session, most recent first.",
	}, s.getHistory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "clear_history",
		Description: "Delete every turn and the summary of a session.",
	}, s.clearHistory)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_session",
		Description: "Summary of a session: message count, activity times and recent topics.",
	}, s.getSession)

	if deps.Corpus != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "list_cases",
			Description: "List the available case files.",
		}, s.listCases)
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "get_case",
			Description: "Read a case file. Long files are cut at 10000 characters.",
		}, s.getCase)
	}

	return s
}

// RunStdio serves a single client on stdin/stdout until ctx is done.
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp stdio server stopped")
	}
	return nil
}

// Handler serves the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return textResult(string(raw))
}

func textResult(text string) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}, nil, nil
}

func toolError(ctx context.Context, tool string, err error) (*mcp.CallToolResult, any, error) {
	logging.From(ctx).Error("tool failed", "tool", tool, "error", err)
	return nil, nil, err
}

func (s *Server) chat(ctx context.Context, req *mcp.CallToolRequest, params *chatParams) (*mcp.CallToolResult, any, error) {
	out, err := s.deps.Chat.Process(ctx, &chat.Input{
		SessionID:   params.SessionID,
		Message:     params.Message,
		UserContext: params.Context,
	})
	if err != nil {
		return toolError(ctx, "chat", err)
	}
	return jsonResult(out)
}

func (s *Server) compose(ctx context.Context, req *mcp.CallToolRequest, params *composeParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" || strings.TrimSpace(params.Query) == "" {
		return nil, nil, goerr.New("session_id and query are required")
	}

	bundle, err := s.deps.Composer.Compose(ctx, params.SessionID, params.Query, params.Context)
	if err != nil {
		return toolError(ctx, "compose_context", err)
	}
	return jsonResult(bundle)
}

func (s *Server) searchCases(ctx context.Context, req *mcp.CallToolRequest, params *searchParams) (*mcp.CallToolResult, any, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, nil, goerr.New("query is required")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)

	hits, err := s.deps.Documents.Search(ctx, s.deps.Collection, params.Query, limit)
	if err != nil {
		return toolError(ctx, "search_cases", err)
	}

	results := make([]*searchHit, len(hits))
	for i, h := range hits {
		results[i] = &searchHit{
			Source:   h.Chunk.SourceFilename,
			Title:    document.CaseTitle(h.Chunk.SourceFilename),
			Index:    h.Chunk.SequenceIndex,
			Text:     h.Chunk.Text,
			Distance: h.Distance,
		}
	}
	return jsonResult(results)
}

func (s *Server) getHistory(ctx context.Context, req *mcp.CallToolRequest, params *historyParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, goerr.New("session_id is required")
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	turns := s.deps.Turns.GetHistory(ctx, params.SessionID, limit)
	entries := make([]*model.HistoryEntry, len(turns))
	for i, t := range turns {
		entries[i] = t.Entry()
	}
	return jsonResult(entries)
}

func (s *Server) clearHistory(ctx context.Context, req *mcp.CallToolRequest, params *sessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, goerr.New("session_id is required")
	}

	if err := s.deps.Turns.Clear(ctx, params.SessionID); err != nil {
		return toolError(ctx, "clear_history", err)
	}
	return textResult("session " + params.SessionID + " cleared")
}

func (s *Server) getSession(ctx context.Context, req *mcp.CallToolRequest, params *sessionParams) (*mcp.CallToolResult, any, error) {
	if params.SessionID == "" {
		return nil, nil, goerr.New("session_id is required")
	}

	summary, err := s.deps.Sessions.GetSummary(ctx, params.SessionID)
	if err != nil {
		return toolError(ctx, "get_session", err)
	}
	if summary == nil {
		return nil, nil, goerr.New("session not found", goerr.V("session_id", params.SessionID))
	}
	return jsonResult(summary)
}

func (s *Server) listCases(ctx context.Context, req *mcp.CallToolRequest, params *struct{}) (*mcp.CallToolResult, any, error) {
	cases, err := document.ListCases(ctx, s.deps.Corpus)
	if err != nil {
		return toolError(ctx, "list_cases", err)
	}
	return jsonResult(cases)
}

func (s *Server) getCase(ctx context.Context, req *mcp.CallToolRequest, params *caseParams) (*mcp.CallToolResult, any, error) {
	if params.Name == "" {
		return nil, nil, goerr.New("name is required")
	}

	c, err := document.GetCase(ctx, s.deps.Corpus, params.Name)
	if err != nil {
		return toolError(ctx, "get_case", err)
	}
	return jsonResult(c)
}
