package chat

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"
)

//go:embed prompt/system.md
var systemPrompt string

//go:embed prompt/turn.md
var turnPromptRaw string

var turnPromptTmpl = template.Must(template.New("turn").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(turnPromptRaw))

// Composer is satisfied by compose.Composer.
type Composer interface {
	Compose(ctx context.Context, sessionID, query string, userContext map[string]string) (*compose.Bundle, error)
}

// TurnStore is satisfied by memory.Store.
type TurnStore interface {
	StoreTurn(ctx context.Context, sessionID, userMessage, assistantResponse string, snapshot map[string]any) (*model.ConversationTurn, error)
}

// Service answers one message of a session: it composes context, asks the
// language model and records the exchange as a turn.
type Service struct {
	composer  Composer
	generator adapter.Generator
	turns     TurnStore
	now       func() time.Time
}

func NewService(composer Composer, generator adapter.Generator, turns TurnStore) *Service {
	return &Service{
		composer:  composer,
		generator: generator,
		turns:     turns,
		now:       time.Now,
	}
}

type Input struct {
	SessionID   string
	Message     string
	UserContext map[string]string
}

type Output struct {
	SessionID string       `json:"session_id"`
	Response  string       `json:"response"`
	TurnID    model.TurnID `json:"turn_id"`
}

// Process handles one message. A new session id is generated when the input
// carries none.
func (s *Service) Process(ctx context.Context, input *Input) (*Output, error) {
	if strings.TrimSpace(input.Message) == "" {
		return nil, goerr.New("message is empty")
	}

	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ctx = logging.WithAttrs(ctx, "session_id", sessionID)
	logger := logging.From(ctx)

	bundle, err := s.composer.Compose(ctx, sessionID, input.Message, input.UserContext)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to compose context")
	}

	response, err := s.generate(ctx, input.Message, bundle)
	if err != nil && isTokenLimitError(err) {
		logger.Warn("prompt exceeded token limit, retrying with reduced context", "documents", len(bundle.DocumentContext))
		response, err = s.generate(ctx, input.Message, reduce(bundle))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to generate response")
	}

	turn, err := s.turns.StoreTurn(ctx, sessionID, input.Message, response, map[string]any{
		"case_context":   bundle.DocumentContext,
		"memory_context": bundle.MemoryContext,
		"timestamp":      s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("message processed", "turn_id", turn.ID)
	return &Output{SessionID: sessionID, Response: response, TurnID: turn.ID}, nil
}

func (s *Service) generate(ctx context.Context, query string, bundle *compose.Bundle) (string, error) {
	var buf bytes.Buffer
	if err := turnPromptTmpl.Execute(&buf, map[string]any{
		"Query":          query,
		"SessionContext": bundle.SessionContext,
		"MemoryContext":  bundle.MemoryContext,
		"CaseContext":    bundle.DocumentContext,
	}); err != nil {
		return "", goerr.Wrap(err, "failed to render prompt")
	}

	return s.generator.Generate(ctx, systemPrompt, buf.String())
}

// reduce keeps the most similar half of the documents and drops memory.
func reduce(bundle *compose.Bundle) *compose.Bundle {
	return &compose.Bundle{
		DocumentContext: bundle.DocumentContext[:len(bundle.DocumentContext)/2],
		SessionContext:  bundle.SessionContext,
	}
}

// isTokenLimitError reports whether the model rejected the prompt for being
// too long.
func isTokenLimitError(err error) bool {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	// e.g. "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576)."
	return apiErr.Code == 400 &&
		apiErr.Status == "INVALID_ARGUMENT" &&
		strings.HasPrefix(apiErr.Message, "The input token count (") &&
		strings.Contains(apiErr.Message, ") exceeds the maximum number of tokens allowed (")
}
