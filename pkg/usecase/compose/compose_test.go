package compose_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
)

type mockRetriever struct {
	texts []string
	err   error
	k     int
}

func (m *mockRetriever) Retrieve(_ context.Context, _, _ string, k int) ([]string, error) {
	m.k = k
	return m.texts, m.err
}

type mockMemory struct {
	context string
	limit   int
}

func (m *mockMemory) RetrieveContext(_ context.Context, _, _ string, limit int) string {
	m.limit = limit
	return m.context
}

var fixedNow = time.Date(2024, 5, 4, 13, 7, 9, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestComposeDefaults(t *testing.T) {
	docs := &mockRetriever{texts: []string{"chunk one", "chunk two"}}
	mem := &mockMemory{context: "Previous conversation: q -> a"}
	c := compose.New(docs, mem, "docs", compose.WithClock(clock))

	bundle, err := c.Compose(context.Background(), "s1", "query", map[string]string{
		"user_name":  "watson",
		"case_focus": "the Sign of Four",
	})
	gt.NoError(t, err)
	gt.Equal(t, docs.k, compose.DefaultDocumentK)
	gt.Equal(t, mem.limit, compose.DefaultMemoryLimit)
	gt.Equal(t, bundle.DocumentContext, []string{"chunk one", "chunk two"})
	gt.Equal(t, bundle.MemoryContext, "Previous conversation: q -> a")
	gt.Equal(t, bundle.SessionContext, "Session ID: s1\n"+
		"Case_Focus: the Sign of Four\n"+
		"User_Name: watson\n"+
		"Current Time: 2024-05-04 13:07:09 UTC")
}

func TestComposeDegradesOnDocumentFailure(t *testing.T) {
	docs := &mockRetriever{err: errors.New("vector store down")}
	mem := &mockMemory{context: "Similar case: a -> b"}
	c := compose.New(docs, mem, "docs", compose.WithClock(clock), compose.WithDocumentK(3), compose.WithMemoryLimit(2))

	bundle, err := c.Compose(context.Background(), "s1", "query", nil)
	gt.NoError(t, err)
	gt.Equal(t, docs.k, 3)
	gt.Equal(t, mem.limit, 2)
	gt.A(t, bundle.DocumentContext).Length(0)
	gt.Equal(t, bundle.MemoryContext, "Similar case: a -> b")
	gt.Equal(t, bundle.SessionContext, "Session ID: s1\nCurrent Time: 2024-05-04 13:07:09 UTC")
}

func TestComposeWithRealComponents(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	emb := adapter.NewHashingEmbedder(128)

	indexer := document.NewIndexer(repo, emb)
	gt.NoError(t, indexer.Open(ctx))
	_, err := indexer.Ingest(ctx, map[string]string{"a.txt": "Alpha clue one.\n\nAlpha clue two."})
	gt.NoError(t, err)

	store := memory.NewStore(repo, emb, memory.NewRegistry(repo))
	gt.NoError(t, store.Open(ctx))
	_, err = store.StoreTurn(ctx, "s1", "what is the clue", "a footprint", nil)
	gt.NoError(t, err)

	c := compose.New(document.NewRetriever(repo, emb), store, indexer.Collection())
	bundle, err := c.Compose(ctx, "s1", "clue", nil)
	gt.NoError(t, err)
	gt.A(t, bundle.DocumentContext).Length(2)
	gt.Equal(t, bundle.MemoryContext, "Previous conversation: what is the clue -> a footprint")
	gt.S(t, bundle.SessionContext).Contains("Session ID: s1")
}
