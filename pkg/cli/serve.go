package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/service/mcp"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

const (
	transportStdio = "stdio"
	transportHTTP  = "http"
)

func serveCommand() *cli.Command {
	var (
		cfg           config
		corpus        corpusConfig
		transport     string
		addr          string
		sweepInterval time.Duration
		maxAge        time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "transport",
			Aliases:     []string{"t"},
			Usage:       "MCP transport (stdio, http)",
			Value:       transportStdio,
			Sources:     cli.EnvVars("CASEFILE_TRANSPORT"),
			Destination: &transport,
		},
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "Listen address of the http transport",
			Value:       "127.0.0.1:8080",
			Sources:     cli.EnvVars("CASEFILE_ADDR"),
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "sweep-interval",
			Usage:       "Interval of the expired session sweep. Zero disables it",
			Sources:     cli.EnvVars("CASEFILE_SWEEP_INTERVAL"),
			Destination: &sweepInterval,
		},
		&cli.DurationFlag{
			Name:        "session-max-age",
			Usage:       "Sessions idle for longer than this are swept",
			Value:       memory.DefaultSessionMaxAge,
			Sources:     cli.EnvVars("CASEFILE_SESSION_MAX_AGE"),
			Destination: &maxAge,
		},
		batchSizeFlag(&cfg),
	}
	flags = append(flags, corpusFlags(&corpus, "corpus-")...)
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the assistant as MCP tools",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)
			logger := logging.From(ctx)

			if transport != transportStdio && transport != transportHTTP {
				return configError("unknown transport",
					goerr.V("transport", transport),
					goerr.V("supported", []string{transportStdio, transportHTTP}))
			}
			if sweepInterval > 0 && maxAge <= 0 {
				return configError("session-max-age must be positive", goerr.V("max_age", maxAge))
			}

			src, closeSource, err := corpus.newSource(ctx)
			if err != nil {
				return err
			}
			defer closeSource()

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			gen, err := cfg.newGenerator(ctx)
			if err != nil {
				return err
			}

			// Cold start: index the corpus before accepting clients.
			// A failed ingest is resumed by the next run, so serving continues
			// with whatever was indexed.
			if src != nil {
				written, files, err := ingestSource(ctx, a.indexer, src)
				switch {
				case errors.Is(err, model.ErrConfiguration):
					return err
				case err != nil:
					logger.Error("corpus ingestion incomplete", "op", "ingest", "files", files, "new_chunks", written, "error", err)
				default:
					logger.Info("corpus indexed", "op", "ingest", "files", files, "new_chunks", written)
				}
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if sweepInterval > 0 {
				go runSweeper(ctx, a.registry, a.memory, sweepInterval, maxAge)
			}

			server := mcp.NewServer(mcp.Deps{
				Chat:       chat.NewService(a.composer, gen, a.memory),
				Composer:   a.composer,
				Documents:  a.retriever,
				Collection: a.indexer.Collection(),
				Turns:      a.memory,
				Sessions:   a.registry,
				Corpus:     src,
			})

			if transport == transportStdio {
				return server.RunStdio(ctx)
			}
			return serveHTTP(ctx, addr, server.Handler())
		},
	}
}

func runSweeper(ctx context.Context, registry *memory.Registry, clearer memory.Clearer, interval, maxAge time.Duration) {
	logger := logging.From(ctx).With("op", "sweep")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := registry.SweepExpired(ctx, clearer, maxAge)
			if err != nil {
				logger.Warn("sweep finished with errors", "removed", removed, "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("expired sessions removed", "removed", removed)
			}
		}
	}
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	logger := logging.From(ctx)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcp server listening", "addr", addr, "path", "/mcp")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return goerr.Wrap(err, "http server failed", goerr.V("addr", addr))
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shut down http server")
	}
	logger.Info("mcp server stopped")
	return nil
}
