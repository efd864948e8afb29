package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/m-mizutani/casefile/pkg/service/mcp"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

type chatProcessor interface {
	Process(ctx context.Context, input *chat.Input) (*chat.Output, error)
}

// remoteChat forwards messages to a running casefile MCP server.
type remoteChat struct {
	client *mcp.Client
}

func (r *remoteChat) Process(ctx context.Context, input *chat.Input) (*chat.Output, error) {
	return r.client.Chat(ctx, input)
}

func chatCommand() *cli.Command {
	var (
		cfg         config
		sessionID   string
		message     string
		contextFile string
		remote      string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "session-id",
			Aliases:     []string{"s"},
			Usage:       "Session to continue. A new session is started when empty",
			Sources:     cli.EnvVars("CASEFILE_SESSION_ID"),
			Destination: &sessionID,
		},
		&cli.StringFlag{
			Name:        "message",
			Aliases:     []string{"m"},
			Usage:       "Send a single message and exit",
			Destination: &message,
		},
		&cli.StringFlag{
			Name:        "context-file",
			Usage:       "YAML file of key/value pairs added to the session context",
			Sources:     cli.EnvVars("CASEFILE_CONTEXT_FILE"),
			Destination: &contextFile,
		},
		&cli.StringFlag{
			Name:        "remote",
			Usage:       "URL of a casefile MCP server to chat through",
			Sources:     cli.EnvVars("CASEFILE_REMOTE"),
			Destination: &remote,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk about the case files with the assistant",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx = cfg.setupLogger(ctx)

			userContext, err := loadUserContext(contextFile)
			if err != nil {
				return err
			}

			var processor chatProcessor
			if remote != "" {
				client, err := mcp.Connect(ctx, mcp.ClientConfig{Transport: "http", URL: remote})
				if err != nil {
					return err
				}
				defer func() { _ = client.Close() }()
				processor = &remoteChat{client: client}
			} else {
				a, err := cfg.newApp(ctx)
				if err != nil {
					return err
				}
				defer a.close()

				gen, err := cfg.newGenerator(ctx)
				if err != nil {
					return err
				}
				processor = chat.NewService(a.composer, gen, a.memory)
			}

			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			w := c.Root().Writer
			if message != "" {
				out, err := processor.Process(ctx, &chat.Input{
					SessionID:   sessionID,
					Message:     message,
					UserContext: userContext,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\n", out.Response)
				return nil
			}

			return chatLoop(ctx, w, processor, sessionID, userContext)
		},
	}
}

func chatLoop(ctx context.Context, w io.Writer, processor chatProcessor, sessionID string, userContext map[string]string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     historyFilePath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return goerr.Wrap(err, "failed to start readline")
	}
	defer rl.Close()

	fmt.Fprintf(w, "Session %s started. Type 'exit' to quit.\n", sessionID)

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			break
		}
		if line == "" {
			continue
		}

		sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		sp.Suffix = " investigating..."
		sp.Start()
		out, err := processor.Process(ctx, &chat.Input{
			SessionID:   sessionID,
			Message:     line,
			UserContext: userContext,
		})
		sp.Stop()

		if err != nil {
			fmt.Fprintf(w, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(w, "\n%s\n\n", out.Response)
	}

	fmt.Fprintf(w, "Session %s ended\n", sessionID)
	return nil
}

func historyFilePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "casefile")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}

// loadUserContext reads a flat YAML mapping of session context values.
func loadUserContext(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("failed to read context file", goerr.V("path", path), goerr.V("error", err.Error()))
	}

	var values map[string]string
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, configError("context file must be a mapping of strings", goerr.V("path", path), goerr.V("error", err.Error()))
	}
	return values, nil
}
