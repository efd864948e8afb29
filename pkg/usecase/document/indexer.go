package document

import (
	"context"
	"sort"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultCollection is the vector collection holding document chunks.
	DefaultCollection = "case_documents"
	DefaultBatchSize  = 100
	DefaultTimeout    = 30 * time.Second

	metaSourceFilename = "source_filename"
	metaSequenceIndex  = "sequence_index"
	metaText           = "text"
)

// Indexer splits a corpus into chunks, embeds them and writes them to the
// vector store. Chunks already present are skipped, so ingestion can be
// repeated and resumed after a partial failure.
type Indexer struct {
	store      repository.VectorStore
	embedder   adapter.Embedder
	collection string
	batchSize  int
	timeout    time.Duration
}

type IndexerOption func(*Indexer)

func WithCollection(name string) IndexerOption {
	return func(x *Indexer) {
		x.collection = name
	}
}

func WithBatchSize(n int) IndexerOption {
	return func(x *Indexer) {
		if n > 0 {
			x.batchSize = n
		}
	}
}

// WithTimeout bounds each store and embedding call.
func WithTimeout(d time.Duration) IndexerOption {
	return func(x *Indexer) {
		x.timeout = d
	}
}

func NewIndexer(store repository.VectorStore, embedder adapter.Embedder, opts ...IndexerOption) *Indexer {
	x := &Indexer{
		store:      store,
		embedder:   embedder,
		collection: DefaultCollection,
		batchSize:  DefaultBatchSize,
		timeout:    DefaultTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func (x *Indexer) Collection() string { return x.collection }

// Open prepares the document collection. A collection created with another
// embedding dimension is a configuration error.
func (x *Indexer) Open(ctx context.Context) error {
	if err := x.store.EnsureCollection(ctx, x.collection, x.embedder.Dimension()); err != nil {
		return model.Categorize(model.ErrConfiguration, goerr.Wrap(err, "failed to open document collection"))
	}
	return nil
}

// Ingest indexes corpus (file name to full text) and returns the number of
// chunks newly written.
func (x *Indexer) Ingest(ctx context.Context, corpus map[string]string) (int, error) {
	logger := logging.From(ctx).With("op", "ingest", "collection", x.collection)

	filenames := make([]string, 0, len(corpus))
	for name := range corpus {
		filenames = append(filenames, name)
	}
	sort.Strings(filenames)

	var chunks []*model.DocumentChunk
	for _, name := range filenames {
		chunks = append(chunks, model.SplitDocument(name, corpus[name])...)
	}

	written := 0
	for start := 0; start < len(chunks); start += x.batchSize {
		end := min(start+x.batchSize, len(chunks))
		n, err := x.ingestBatch(ctx, chunks[start:end])
		written += n
		if err != nil {
			logger.Error("ingestion stopped", "error", err, "written", written)
			return written, model.Categorize(model.ErrIngestion, err)
		}
	}

	logger.Info("ingestion completed", "files", len(filenames), "chunks", len(chunks), "written", written)
	return written, nil
}

func (x *Indexer) ingestBatch(ctx context.Context, batch []*model.DocumentChunk) (int, error) {
	ids := make([]string, len(batch))
	for i, c := range batch {
		ids[i] = string(c.ID)
	}

	existing, err := x.getExisting(ctx, ids)
	if err != nil {
		return 0, err
	}

	var records []*repository.Record
	for _, c := range batch {
		if existing[string(c.ID)] {
			continue
		}

		vec, err := x.embed(ctx, c.Text)
		if err != nil {
			return 0, goerr.Wrap(err, "failed to embed chunk", goerr.V("chunk_id", c.ID))
		}
		c.Vector = vec
		records = append(records, chunkRecord(c))
	}

	if len(records) == 0 {
		return 0, nil
	}

	wctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	if err := x.store.Upsert(wctx, x.collection, records); err != nil {
		return 0, goerr.Wrap(err, "failed to upsert chunks", goerr.V("count", len(records)))
	}
	return len(records), nil
}

func (x *Indexer) getExisting(ctx context.Context, ids []string) (map[string]bool, error) {
	rctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	found, err := x.store.GetByIDs(rctx, x.collection, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up existing chunks")
	}

	existing := make(map[string]bool, len(found))
	for _, r := range found {
		existing[r.ID] = true
	}
	return existing, nil
}

func (x *Indexer) embed(ctx context.Context, text string) ([]float32, error) {
	ectx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	return x.embedder.Embed(ectx, text)
}

func chunkRecord(c *model.DocumentChunk) *repository.Record {
	return &repository.Record{
		ID:     string(c.ID),
		Vector: c.Vector,
		Metadata: map[string]any{
			metaSourceFilename: c.SourceFilename,
			metaSequenceIndex:  c.SequenceIndex,
			metaText:           c.Text,
		},
	}
}

func recordChunk(r *repository.Record) *model.DocumentChunk {
	return &model.DocumentChunk{
		ID:             model.ChunkID(r.ID),
		SourceFilename: r.String(metaSourceFilename),
		SequenceIndex:  r.Int(metaSequenceIndex),
		Text:           r.String(metaText),
		Vector:         r.Vector,
	}
}
