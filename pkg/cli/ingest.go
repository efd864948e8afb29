package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/urfave/cli/v3"
)

func ingestCommand() *cli.Command {
	var (
		cfg    config
		corpus corpusConfig
	)

	flags := []cli.Flag{batchSizeFlag(&cfg)}
	flags = append(flags, corpusFlags(&corpus, "corpus-")...)
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "ingest",
		Usage: "Split, embed and index the case files. Already indexed chunks are skipped",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			src, closeSource, err := corpus.newSource(ctx)
			if err != nil {
				return err
			}
			defer closeSource()
			if src == nil {
				return configError("corpus-dir or corpus-bucket is required")
			}

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			written, files, err := ingestSource(ctx, a.indexer, src)
			fmt.Fprintf(c.Root().Writer, "Indexed %d new chunks from %d files\n", written, files)
			return err
		},
	}
}

// ingestSource indexes every readable file of src. Read failures are
// returned after the readable files have been indexed.
func ingestSource(ctx context.Context, indexer *document.Indexer, src document.Source) (int, int, error) {
	files, loadErr := document.LoadCorpus(ctx, src)
	if len(files) == 0 {
		return 0, 0, loadErr
	}

	written, err := indexer.Ingest(ctx, files)
	return written, len(files), errors.Join(loadErr, err)
}
