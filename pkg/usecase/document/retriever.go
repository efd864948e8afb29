package document

import (
	"context"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Retriever answers top-k similarity queries over a document collection.
type Retriever struct {
	store       repository.VectorStore
	embedder    adapter.Embedder
	timeout     time.Duration
	maxDistance float64
}

type RetrieverOption func(*Retriever)

func WithRetrieveTimeout(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		r.timeout = d
	}
}

// WithMaxDistance drops hits whose cosine distance exceeds d. Zero disables
// the threshold.
func WithMaxDistance(d float64) RetrieverOption {
	return func(r *Retriever) {
		r.maxDistance = d
	}
}

func NewRetriever(store repository.VectorStore, embedder adapter.Embedder, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hit is a retrieved chunk with its cosine distance to the query.
type Hit struct {
	Chunk    *model.DocumentChunk
	Distance float64
}

// Retrieve returns the text of up to k chunks most similar to query, most
// similar first. An empty collection yields an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, collection, query string, k int) ([]string, error) {
	hits, err := r.Search(ctx, collection, query, k)
	if err != nil {
		return nil, err
	}

	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Chunk.Text
	}
	return texts, nil
}

// Search is Retrieve keeping the source of each chunk.
func (r *Retriever) Search(ctx context.Context, collection, query string, k int) ([]*Hit, error) {
	if k <= 0 {
		return nil, goerr.New("k must be positive", goerr.V("k", k))
	}

	logger := logging.From(ctx).With("op", "retrieve", "collection", collection)

	ectx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	vec, err := r.embedder.Embed(ectx, query)
	if err != nil {
		logger.Warn("failed to embed query", "error", err)
		return nil, model.Categorize(model.ErrRetrieval, goerr.Wrap(err, "failed to embed query"))
	}

	qctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	records, err := r.store.Nearest(qctx, collection, &repository.NearestInput{
		Vector: vec,
		Limit:  k,
	})
	if err != nil {
		logger.Warn("failed to query document collection", "error", err)
		return nil, model.Categorize(model.ErrRetrieval, goerr.Wrap(err, "failed to query documents", goerr.V("k", k)))
	}

	hits := make([]*Hit, 0, len(records))
	for _, rec := range records {
		if r.maxDistance > 0 && rec.Distance > r.maxDistance {
			continue
		}
		hits = append(hits, &Hit{Chunk: recordChunk(rec), Distance: rec.Distance})
	}

	logger.Debug("retrieved chunks", "k", k, "hits", len(hits))
	return hits, nil
}
