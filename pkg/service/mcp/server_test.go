package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/service/mcp"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
)

type echoGenerator struct{}

func (echoGenerator) Generate(_ context.Context, _, _ string) (string, error) {
	return "You see, but you do not observe.", nil
}

func setupServer(t *testing.T) *mcp.Client {
	ctx := context.Background()

	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "a_scandal_in_bohemia.txt"),
		[]byte("The photograph was hidden behind a sliding panel.\n\nIrene Adler outwitted Holmes."), 0o600))
	corpus := document.NewDirSource(dir)

	repo := repository.NewMemory()
	emb := adapter.NewHashingEmbedder(128)

	indexer := document.NewIndexer(repo, emb)
	gt.NoError(t, indexer.Open(ctx))
	files, err := document.LoadCorpus(ctx, corpus)
	gt.NoError(t, err)
	_, err = indexer.Ingest(ctx, files)
	gt.NoError(t, err)

	registry := memory.NewRegistry(repo)
	store := memory.NewStore(repo, emb, registry)
	gt.NoError(t, store.Open(ctx))

	retriever := document.NewRetriever(repo, emb)
	composer := compose.New(retriever, store, indexer.Collection())

	server := mcp.NewServer(mcp.Deps{
		Chat:       chat.NewService(composer, echoGenerator{}, store),
		Composer:   composer,
		Documents:  retriever,
		Collection: indexer.Collection(),
		Turns:      store,
		Sessions:   registry,
		Corpus:     corpus,
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	client, err := mcp.Connect(ctx, mcp.ClientConfig{Transport: "http", URL: ts.URL})
	gt.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestServerTools(t *testing.T) {
	client := setupServer(t)

	names := map[string]bool{}
	for _, name := range client.ToolNames() {
		names[name] = true
	}
	for _, name := range []string{"chat", "compose_context", "search_cases", "get_history", "clear_history", "get_session", "list_cases", "get_case"} {
		gt.True(t, names[name])
	}
}

func TestServerChatFlow(t *testing.T) {
	ctx := context.Background()
	client := setupServer(t)

	out, err := client.Chat(ctx, &chat.Input{SessionID: "s1", Message: "where was the photograph hidden"})
	gt.NoError(t, err)
	gt.Equal(t, out.SessionID, "s1")
	gt.Equal(t, out.Response, "You see, but you do not observe.")

	history, err := client.GetHistory(ctx, "s1", 10)
	gt.NoError(t, err)
	gt.A(t, history).Length(1)
	gt.Equal(t, history[0].UserMessage, "where was the photograph hidden")

	text, err := client.CallTool(ctx, "get_session", map[string]any{"session_id": "s1"})
	gt.NoError(t, err)
	var summary model.SessionSummary
	gt.NoError(t, json.Unmarshal([]byte(text), &summary))
	gt.Equal(t, summary.MessageCount, 1)
	gt.Equal(t, summary.Topics, []string{"where was the photograph hidden"})

	gt.NoError(t, client.Clear(ctx, "s1"))

	history, err = client.GetHistory(ctx, "s1", 10)
	gt.NoError(t, err)
	gt.A(t, history).Length(0)

	_, err = client.CallTool(ctx, "get_session", map[string]any{"session_id": "s1"})
	gt.Error(t, err)
}

func TestServerNewSession(t *testing.T) {
	client := setupServer(t)

	out, err := client.Chat(context.Background(), &chat.Input{Message: "who is the woman"})
	gt.NoError(t, err)
	gt.NotEqual(t, out.SessionID, "")
}

func TestServerSearchAndCases(t *testing.T) {
	ctx := context.Background()
	client := setupServer(t)

	text, err := client.CallTool(ctx, "search_cases", map[string]any{"query": "photograph panel", "limit": 1})
	gt.NoError(t, err)
	var hits []map[string]any
	gt.NoError(t, json.Unmarshal([]byte(text), &hits))
	gt.A(t, hits).Length(1)
	gt.Equal(t, hits[0]["source"], "a_scandal_in_bohemia.txt")
	gt.Equal(t, hits[0]["title"], "A Scandal In Bohemia")

	text, err = client.CallTool(ctx, "list_cases", map[string]any{})
	gt.NoError(t, err)
	var cases []*document.Case
	gt.NoError(t, json.Unmarshal([]byte(text), &cases))
	gt.A(t, cases).Length(1)

	text, err = client.CallTool(ctx, "get_case", map[string]any{"name": "a_scandal_in_bohemia"})
	gt.NoError(t, err)
	var c document.Case
	gt.NoError(t, json.Unmarshal([]byte(text), &c))
	gt.S(t, c.Content).Contains("Irene Adler")

	_, err = client.CallTool(ctx, "search_cases", map[string]any{"query": ""})
	gt.Error(t, err)
}

func TestServerComposeContext(t *testing.T) {
	ctx := context.Background()
	client := setupServer(t)

	text, err := client.CallTool(ctx, "compose_context", map[string]any{
		"session_id": "s9",
		"query":      "Irene Adler",
		"context":    map[string]any{"user": "watson"},
	})
	gt.NoError(t, err)

	var bundle compose.Bundle
	gt.NoError(t, json.Unmarshal([]byte(text), &bundle))
	gt.A(t, bundle.DocumentContext).Length(2)
	gt.S(t, bundle.SessionContext).Contains("User: watson")
}

func TestServerRejectsBlankQuery(t *testing.T) {
	ctx := context.Background()
	client := setupServer(t)

	_, err := client.CallTool(ctx, "compose_context", map[string]any{
		"session_id": "s9",
		"query":      "  \t ",
	})
	gt.Error(t, err)

	_, err = client.CallTool(ctx, "search_cases", map[string]any{"query": "   "})
	gt.Error(t, err)
}
