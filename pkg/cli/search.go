package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

type searchResult struct {
	Source   string  `json:"source" yaml:"source"`
	Index    int     `json:"index" yaml:"index"`
	Text     string  `json:"text" yaml:"text"`
	Distance float64 `json:"distance" yaml:"distance"`
}

func searchCommand() *cli.Command {
	var (
		cfg    config
		limit  int64
		format string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of excerpts to display",
			Value:       5,
			Sources:     cli.EnvVars("CASEFILE_SEARCH_LIMIT"),
			Destination: &limit,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "Output format (text, json, yaml)",
			Value:       formatText,
			Destination: &format,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Semantic search over the indexed case files",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return goerr.New("query is required")
			}

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			hits, err := a.retriever.Search(ctx, a.indexer.Collection(), query, int(limit))
			if err != nil {
				return err
			}

			results := make([]*searchResult, len(hits))
			for i, h := range hits {
				results[i] = &searchResult{
					Source:   h.Chunk.SourceFilename,
					Index:    h.Chunk.SequenceIndex,
					Text:     h.Chunk.Text,
					Distance: h.Distance,
				}
			}

			w := c.Root().Writer
			if done, err := writeStructured(w, format, results); done {
				return err
			}

			if len(hits) == 0 {
				fmt.Fprintf(w, "No matching excerpts found\n")
				return nil
			}

			for i, r := range results {
				fmt.Fprintf(w, "%d. %s #%d (distance %.4f)\n", i+1, r.Source, r.Index, r.Distance)
				fmt.Fprintf(w, "   %s\n\n", strings.ReplaceAll(r.Text, "\n", "\n   "))
			}
			return nil
		},
	}
}
