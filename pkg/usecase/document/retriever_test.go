package document_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/gt"
)

type failingStore struct {
	repository.VectorStore
}

func (s *failingStore) Nearest(context.Context, string, *repository.NearestInput) ([]*repository.Record, error) {
	return nil, errors.New("connection refused")
}

type stalledStore struct {
	repository.VectorStore
}

func (s *stalledStore) Nearest(ctx context.Context, _ string, _ *repository.NearestInput) ([]*repository.Record, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieveTimeout(t *testing.T) {
	ctx := context.Background()
	retriever := document.NewRetriever(&stalledStore{}, adapter.NewHashingEmbedder(64),
		document.WithRetrieveTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := retriever.Retrieve(ctx, document.DefaultCollection, "the engineer's thumb", 3)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrRetrieval))
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	gt.True(t, time.Since(start) < 2*time.Second)
}

func TestRetrieveClue(t *testing.T) {
	ctx := context.Background()
	emb := adapter.NewHashingEmbedder(64)
	indexer, repo := setupIndexer(t, emb)

	_, err := indexer.Ingest(ctx, map[string]string{"a.txt": "Alpha clue one.\n\nAlpha clue two."})
	gt.NoError(t, err)

	retriever := document.NewRetriever(repo, emb)
	texts, err := retriever.Retrieve(ctx, document.DefaultCollection, "clue", 1)
	gt.NoError(t, err)
	gt.A(t, texts).Length(1)
	gt.S(t, texts[0]).Contains("clue")
}

func TestRetrieveOrdersBySimilarity(t *testing.T) {
	ctx := context.Background()
	emb := adapter.NewHashingEmbedder(256)
	indexer, repo := setupIndexer(t, emb)

	_, err := indexer.Ingest(ctx, map[string]string{
		"hound.txt":  "A gigantic hound haunted the moor.\n\nThe butler kept a lantern.",
		"league.txt": "Red-headed men answered the advertisement.",
	})
	gt.NoError(t, err)

	retriever := document.NewRetriever(repo, emb)
	hits, err := retriever.Search(ctx, document.DefaultCollection, "hound moor", 3)
	gt.NoError(t, err)
	gt.A(t, hits).Length(3)
	gt.Equal(t, hits[0].Chunk.SourceFilename, "hound.txt")
	gt.Equal(t, hits[0].Chunk.SequenceIndex, 0)
	gt.True(t, hits[0].Distance <= hits[1].Distance)
	gt.True(t, hits[1].Distance <= hits[2].Distance)
}

func TestRetrieveEmptyCollection(t *testing.T) {
	ctx := context.Background()
	emb := adapter.NewHashingEmbedder(64)
	_, repo := setupIndexer(t, emb)

	texts, err := document.NewRetriever(repo, emb).Retrieve(ctx, document.DefaultCollection, "anything", 5)
	gt.NoError(t, err)
	gt.A(t, texts).Length(0)
}

func TestRetrieveMaxDistance(t *testing.T) {
	ctx := context.Background()
	emb := adapter.NewHashingEmbedder(256)
	indexer, repo := setupIndexer(t, emb)

	_, err := indexer.Ingest(ctx, map[string]string{"a.txt": "Violin music.\n\nPoisoned dart."})
	gt.NoError(t, err)

	retriever := document.NewRetriever(repo, emb, document.WithMaxDistance(0.5))
	texts, err := retriever.Retrieve(ctx, document.DefaultCollection, "violin music", 5)
	gt.NoError(t, err)
	gt.A(t, texts).Length(1)
	gt.Equal(t, texts[0], "Violin music.")
}

func TestRetrieveErrors(t *testing.T) {
	ctx := context.Background()
	emb := adapter.NewHashingEmbedder(64)

	t.Run("store failure", func(t *testing.T) {
		retriever := document.NewRetriever(&failingStore{}, emb)
		_, err := retriever.Retrieve(ctx, document.DefaultCollection, "clue", 5)
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrRetrieval))
	})

	t.Run("non-positive k", func(t *testing.T) {
		retriever := document.NewRetriever(repository.NewMemory(), emb)
		_, err := retriever.Retrieve(ctx, document.DefaultCollection, "clue", 0)
		gt.Error(t, err)
	})
}
