package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func clearCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session to forget",
			Sources:     cli.EnvVars("CASEFILE_SESSION_ID"),
			Destination: &sessionID,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "clear",
		Usage: "Delete every turn and the summary of a session",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.memory.Clear(ctx, sessionID); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Session %s cleared\n", sessionID)
			return nil
		},
	}
}

func sessionCommand() *cli.Command {
	var (
		cfg       config
		sessionID string
		format    string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session to show. All sessions are listed when empty",
			Sources:     cli.EnvVars("CASEFILE_SESSION_ID"),
			Destination: &sessionID,
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
		Name:  "session",
		Usage: "Show session summaries",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			w := c.Root().Writer

			if sessionID == "" {
				summaries, err := a.registry.ListSummaries(ctx)
				if err != nil {
					return err
				}
				if done, err := writeStructured(w, format, summaries); done {
					return err
				}
				if len(summaries) == 0 {
					fmt.Fprintf(w, "No sessions found\n")
					return nil
				}
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
						s.SessionID,
						s.MessageCount,
						s.LastActivity.Format("2006-01-02 15:04:05"),
						s.LastUserMessage,
					)
				}
				return nil
			}

			summary, err := a.registry.GetSummary(ctx, sessionID)
			if err != nil {
				return err
			}
			if summary == nil {
				return goerr.New("session not found", goerr.V("session_id", sessionID))
			}

			if done, err := writeStructured(w, format, summary); done {
				return err
			}
			printSummary(w, summary)
			return nil
		},
	}
}

func printSummary(w io.Writer, s *model.SessionSummary) {
	fmt.Fprintf(w, "Session:        %s\n", s.SessionID)
	fmt.Fprintf(w, "Messages:       %d\n", s.MessageCount)
	fmt.Fprintf(w, "Created:        %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Last activity:  %s\n", s.LastActivity.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Last user:      %s\n", s.LastUserMessage)
	fmt.Fprintf(w, "Last assistant: %s\n", s.LastAssistantResponse)
	if len(s.Topics) > 0 {
		fmt.Fprintf(w, "Topics:\n  - %s\n", strings.Join(s.Topics, "\n  - "))
	}
}

func sweepCommand() *cli.Command {
	var (
		cfg    config
		maxAge time.Duration
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "max-age",
			Usage:       "Sessions idle for longer than this are deleted",
			Value:       memory.DefaultSessionMaxAge,
			Sources:     cli.EnvVars("CASEFILE_SESSION_MAX_AGE"),
			Destination: &maxAge,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete sessions that have been idle for too long",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			if maxAge <= 0 {
				return configError("max-age must be positive", goerr.V("max_age", maxAge))
			}

			a, err := cfg.newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			removed, err := a.registry.SweepExpired(ctx, a.memory, maxAge)
			fmt.Fprintf(c.Root().Writer, "Removed %d expired sessions\n", removed)
			return err
		},
	}
}
