package cli

import (
	"context"

	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "casefile",
		Usage: "Conversational assistant over a corpus of case files",
		Commands: []*cli.Command{
			ingestCommand(),
			searchCommand(),
			chatCommand(),
			historyCommand(),
			clearCommand(),
			sessionCommand(),
			sweepCommand(),
			serveCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
