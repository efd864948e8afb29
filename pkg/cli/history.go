package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		limit     int64
		format    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session to list the turns of",
			Sources:     cli.EnvVars("CASEFILE_SESSION_ID"),
			Destination: &sessionID,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"l"},
			Usage:       "Maximum number of most recent turns. Zero lists all",
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
		Name:  "history",
		Usage: "List the conversation turns of a session, most recent first",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			turns := a.memory.GetHistory(ctx, sessionID, int(limit))
			entries := make([]*model.HistoryEntry, len(turns))
			for i, t := range turns {
				entries[i] = t.Entry()
			}

			w := c.Root().Writer
			if done, err := writeStructured(w, format, entries); done {
				return err
			}

			if len(entries) == 0 {
				fmt.Fprintf(w, "No conversation turns found for session %s\n", sessionID)
				return nil
			}

			for _, e := range entries {
				fmt.Fprintf(w, "[%s]\n", e.Timestamp.Format("2006-01-02 15:04:05"))
				fmt.Fprintf(w, "User: %s\n", e.UserMessage)
				fmt.Fprintf(w, "Assistant: %s\n\n", e.AssistantResponse)
			}
			return nil
		},
	}
}
