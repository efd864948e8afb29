package cli

import (
	"context"
	"os"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

const (
	backendMemory    = "memory"
	backendFirestore = "firestore"

	embedderGemini  = "gemini"
	embedderHashing = "hashing"
)

// config holds configuration values
type config struct {
	logLevel string

	// Repository
	backend           string
	project           string
	database          string
	sessionCollection string
	docCollection     string
	memoryCollection  string
	timeout           time.Duration
	batchSize         int64

	// Adapters
	embedder        string
	embeddingModel  string
	embeddingDim    int64
	geminiAPIKey    string
	geminiProject   string
	geminiLocation  string
	generativeModel string

	gemini *adapter.GeminiClient
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("CASEFILE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Store backend (memory, firestore)",
			Value:       backendFirestore,
			Sources:     cli.EnvVars("CASEFILE_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("CASEFILE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("CASEFILE_DATABASE_ID", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "session-collection",
			Usage:       "Firestore collection of session summaries",
			Value:       "sessions",
			Sources:     cli.EnvVars("CASEFILE_SESSION_COLLECTION"),
			Destination: &cfg.sessionCollection,
		},
		&cli.StringFlag{
			Name:        "document-collection",
			Usage:       "Vector collection of case file chunks",
			Value:       document.DefaultCollection,
			Sources:     cli.EnvVars("CASEFILE_DOCUMENT_COLLECTION"),
			Destination: &cfg.docCollection,
		},
		&cli.StringFlag{
			Name:        "memory-collection",
			Usage:       "Vector collection of conversation turns",
			Value:       memory.DefaultCollection,
			Sources:     cli.EnvVars("CASEFILE_MEMORY_COLLECTION"),
			Destination: &cfg.memoryCollection,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "Timeout of each store and embedding call",
			Value:       memory.DefaultTimeout,
			Sources:     cli.EnvVars("CASEFILE_TIMEOUT"),
			Destination: &cfg.timeout,
		},
		&cli.StringFlag{
			Name:        "embedder",
			Usage:       "Embedding provider (gemini, hashing)",
			Value:       embedderGemini,
			Sources:     cli.EnvVars("CASEFILE_EMBEDDER"),
			Destination: &cfg.embedder,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("CASEFILE_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
		&cli.IntFlag{
			Name:        "embedding-dimension",
			Usage:       "Embedding vector dimension",
			Value:       adapter.DefaultEmbeddingDimension,
			Sources:     cli.EnvVars("CASEFILE_EMBEDDING_DIMENSION"),
			Destination: &cfg.embeddingDim,
		},
	}
	// Gemini credentials are shared by the embedder and the generator.
	return append(flags, geminiFlags(cfg)...)
}

func geminiFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-api-key",
			Usage:       "Gemini API key. Vertex AI is used when empty",
			Sources:     cli.EnvVars("GEMINI_API_KEY"),
			Destination: &cfg.geminiAPIKey,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini on Vertex AI",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// llmFlags returns flags for the generative model
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "generative-model",
			Usage:       "Gemini model answering chat messages",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("CASEFILE_GENERATIVE_MODEL"),
			Destination: &cfg.generativeModel,
		},
	}
}

func configError(msg string, values ...goerr.Option) error {
	return model.Categorize(model.ErrConfiguration, goerr.New(msg, values...))
}

// setupLogger installs the default logger and attaches it to ctx.
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newStores creates the vector store and summary store of the backend.
func (cfg *config) newStores(ctx context.Context) (repository.VectorStore, repository.SummaryStore, func(), error) {
	switch cfg.backend {
	case backendMemory:
		repo := repository.NewMemory()
		return repo, repo, func() {}, nil

	case backendFirestore:
		if cfg.project == "" {
			return nil, nil, nil, configError("project is required for firestore backend")
		}
		if cfg.database == "" {
			return nil, nil, nil, configError("database is required for firestore backend")
		}

		repo, err := repository.New(ctx, cfg.project, cfg.database,
			repository.WithSessionCollection(cfg.sessionCollection))
		if err != nil {
			return nil, nil, nil, model.Categorize(model.ErrConfiguration, goerr.Wrap(err, "failed to create repository"))
		}
		closer := func() {
			if err := repo.Close(); err != nil {
				logging.From(ctx).Warn("failed to close repository", "error", err)
			}
		}
		return repo, repo, closer, nil

	default:
		return nil, nil, nil, configError("unknown backend",
			goerr.V("backend", cfg.backend),
			goerr.V("supported", []string{backendMemory, backendFirestore}))
	}
}

// newGemini creates the Gemini client once and reuses it.
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.gemini != nil {
		return cfg.gemini, nil
	}

	if cfg.geminiAPIKey == "" && cfg.geminiProject == "" {
		return nil, configError("gemini-api-key or gemini-project is required")
	}
	if cfg.geminiAPIKey == "" && cfg.geminiLocation == "" {
		return nil, configError("gemini-location is required")
	}

	opts := []adapter.GeminiOption{
		adapter.WithEmbeddingModel(cfg.embeddingModel),
		adapter.WithEmbeddingDimension(int(cfg.embeddingDim)),
	}
	if cfg.generativeModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.generativeModel))
	}

	client, err := adapter.NewGemini(ctx, adapter.GeminiConfig{
		APIKey:   cfg.geminiAPIKey,
		Project:  cfg.geminiProject,
		Location: cfg.geminiLocation,
	}, opts...)
	if err != nil {
		return nil, model.Categorize(model.ErrConfiguration, goerr.Wrap(err, "failed to create gemini client"))
	}

	cfg.gemini = client
	return client, nil
}

func (cfg *config) newEmbedder(ctx context.Context) (adapter.Embedder, error) {
	if cfg.embeddingDim <= 0 {
		return nil, configError("embedding-dimension must be positive", goerr.V("dimension", cfg.embeddingDim))
	}

	switch cfg.embedder {
	case embedderHashing:
		return adapter.NewHashingEmbedder(int(cfg.embeddingDim)), nil
	case embedderGemini:
		return cfg.newGemini(ctx)
	default:
		return nil, configError("unknown embedder",
			goerr.V("embedder", cfg.embedder),
			goerr.V("supported", []string{embedderGemini, embedderHashing}))
	}
}

func (cfg *config) newGenerator(ctx context.Context) (adapter.Generator, error) {
	return cfg.newGemini(ctx)
}

// app is the wired core.
type app struct {
	indexer   *document.Indexer
	retriever *document.Retriever
	registry  *memory.Registry
	memory    *memory.Store
	composer  *compose.Composer
	close     func()
}

// newApp wires the core components and opens their collections. Any error
// here is a configuration error and the command must not proceed.
func (cfg *config) newApp(ctx context.Context) (*app, error) {
	embedder, err := cfg.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}

	vectors, summaries, closer, err := cfg.newStores(ctx)
	if err != nil {
		return nil, err
	}

	indexer := document.NewIndexer(vectors, embedder,
		document.WithCollection(cfg.docCollection),
		document.WithBatchSize(int(cfg.batchSize)),
		document.WithTimeout(cfg.timeout))
	if err := indexer.Open(ctx); err != nil {
		closer()
		return nil, err
	}

	registry := memory.NewRegistry(summaries, memory.WithRegistryTimeout(cfg.timeout))
	store := memory.NewStore(vectors, embedder, registry,
		memory.WithCollection(cfg.memoryCollection),
		memory.WithTimeout(cfg.timeout))
	if err := store.Open(ctx); err != nil {
		closer()
		return nil, err
	}

	retriever := document.NewRetriever(vectors, embedder, document.WithRetrieveTimeout(cfg.timeout))

	return &app{
		indexer:   indexer,
		retriever: retriever,
		registry:  registry,
		memory:    store,
		composer:  compose.New(retriever, store, indexer.Collection()),
		close:     closer,
	}, nil
}

func batchSizeFlag(cfg *config) cli.Flag {
	return &cli.IntFlag{
		Name:        "batch-size",
		Usage:       "Number of chunks embedded and written per batch",
		Value:       document.DefaultBatchSize,
		Sources:     cli.EnvVars("CASEFILE_BATCH_SIZE"),
		Destination: &cfg.batchSize,
	}
}

// corpusConfig selects where case files are read from.
type corpusConfig struct {
	dir    string
	bucket string
	prefix string
}

func corpusFlags(cc *corpusConfig, prefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        prefix + "dir",
			Usage:       "Local directory containing case files (*.txt)",
			Sources:     cli.EnvVars("CASEFILE_CORPUS_DIR"),
			Destination: &cc.dir,
		},
		&cli.StringFlag{
			Name:        prefix + "bucket",
			Usage:       "Cloud Storage bucket containing case files (*.txt)",
			Sources:     cli.EnvVars("CASEFILE_CORPUS_BUCKET"),
			Destination: &cc.bucket,
		},
		&cli.StringFlag{
			Name:        prefix + "prefix",
			Usage:       "Object prefix inside the corpus bucket",
			Sources:     cli.EnvVars("CASEFILE_CORPUS_PREFIX"),
			Destination: &cc.prefix,
		},
	}
}

// newSource returns nil without error when no corpus is configured.
func (cc *corpusConfig) newSource(ctx context.Context) (document.Source, func(), error) {
	switch {
	case cc.dir != "" && cc.bucket != "":
		return nil, nil, configError("corpus directory and bucket are mutually exclusive")

	case cc.dir != "":
		info, err := os.Stat(cc.dir)
		if err != nil || !info.IsDir() {
			return nil, nil, configError("corpus directory not found", goerr.V("dir", cc.dir))
		}
		return document.NewDirSource(cc.dir), func() {}, nil

	case cc.bucket != "":
		storage, err := adapter.NewStorage(ctx, cc.bucket, cc.prefix)
		if err != nil {
			return nil, nil, model.Categorize(model.ErrConfiguration, goerr.Wrap(err, "failed to create storage"))
		}
		return storage, func() { _ = storage.Close() }, nil
	}

	return nil, func() {}, nil
}
