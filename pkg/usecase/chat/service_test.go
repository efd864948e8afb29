package chat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/usecase/chat"
	"github.com/m-mizutani/casefile/pkg/usecase/compose"
	"github.com/m-mizutani/casefile/pkg/usecase/document"
	"github.com/m-mizutani/casefile/pkg/usecase/memory"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"
)

type mockGenerator struct {
	prompts  []string
	systems  []string
	response string
	errs     []error
}

func (m *mockGenerator) Generate(_ context.Context, systemPrompt, prompt string) (string, error) {
	m.systems = append(m.systems, systemPrompt)
	m.prompts = append(m.prompts, prompt)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return m.response, nil
}

type env struct {
	service  *chat.Service
	store    *memory.Store
	registry *memory.Registry
	gen      *mockGenerator
}

func setup(t *testing.T, gen *mockGenerator) *env {
	ctx := context.Background()
	repo := repository.NewMemory()
	emb := adapter.NewHashingEmbedder(128)

	indexer := document.NewIndexer(repo, emb)
	gt.NoError(t, indexer.Open(ctx))
	_, err := indexer.Ingest(ctx, map[string]string{
		"silver_blaze.txt": "The dog did nothing in the night-time.\n\nThat was the curious incident.",
	})
	gt.NoError(t, err)

	registry := memory.NewRegistry(repo)
	store := memory.NewStore(repo, emb, registry)
	gt.NoError(t, store.Open(ctx))

	composer := compose.New(document.NewRetriever(repo, emb), store, indexer.Collection())
	return &env{
		service:  chat.NewService(composer, gen, store),
		store:    store,
		registry: registry,
		gen:      gen,
	}
}

func TestProcessStoresTurn(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &mockGenerator{response: "The dog knew the intruder."})

	out, err := e.service.Process(ctx, &chat.Input{
		SessionID:   "s1",
		Message:     "why did the dog not bark in the night",
		UserContext: map[string]string{"name": "Gregory"},
	})
	gt.NoError(t, err)
	gt.Equal(t, out.SessionID, "s1")
	gt.Equal(t, out.Response, "The dog knew the intruder.")

	gt.A(t, e.gen.prompts).Length(1)
	gt.S(t, e.gen.systems[0]).Contains("Sherlock Holmes")
	gt.S(t, e.gen.prompts[0]).Contains("why did the dog not bark in the night")
	gt.S(t, e.gen.prompts[0]).Contains("The dog did nothing in the night-time.")
	gt.S(t, e.gen.prompts[0]).Contains("Name: Gregory")
	gt.S(t, e.gen.prompts[0]).NotContains("# Conversation memory")

	history := e.store.GetHistory(ctx, "s1", 0)
	gt.A(t, history).Length(1)
	gt.Equal(t, history[0].ID, out.TurnID)
	gt.S(t, string(history[0].ContextSnapshot)).Contains("case_context")
	gt.S(t, string(history[0].ContextSnapshot)).Contains("memory_context")

	summary, err := e.registry.GetSummary(ctx, "s1")
	gt.NoError(t, err)
	gt.Equal(t, summary.MessageCount, 1)

	// the second message sees the first one as memory
	_, err = e.service.Process(ctx, &chat.Input{SessionID: "s1", Message: "and the stable boy?"})
	gt.NoError(t, err)
	gt.S(t, e.gen.prompts[1]).Contains("Previous conversation: why did the dog not bark in the night -> The dog knew the intruder.")
}

func TestProcessGeneratesSessionID(t *testing.T) {
	e := setup(t, &mockGenerator{response: "Elementary."})

	out, err := e.service.Process(context.Background(), &chat.Input{Message: "what is the method"})
	gt.NoError(t, err)
	_, err = uuid.Parse(out.SessionID)
	gt.NoError(t, err)
}

func TestProcessRejectsEmptyMessage(t *testing.T) {
	e := setup(t, &mockGenerator{})

	_, err := e.service.Process(context.Background(), &chat.Input{SessionID: "s1", Message: "  "})
	gt.Error(t, err)
	gt.A(t, e.gen.prompts).Length(0)
}

func TestProcessRetriesOnTokenLimit(t *testing.T) {
	ctx := context.Background()
	tokenErr := genai.APIError{
		Code:    400,
		Status:  "INVALID_ARGUMENT",
		Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
	}
	e := setup(t, &mockGenerator{response: "Shorter answer.", errs: []error{tokenErr}})

	out, err := e.service.Process(ctx, &chat.Input{SessionID: "s1", Message: "tell me everything about the curious incident"})
	gt.NoError(t, err)
	gt.Equal(t, out.Response, "Shorter answer.")
	gt.A(t, e.gen.prompts).Length(2)
	gt.True(t, len(e.gen.prompts[1]) < len(e.gen.prompts[0]))
}

func TestProcessGenerationFailureStoresNothing(t *testing.T) {
	ctx := context.Background()
	e := setup(t, &mockGenerator{errs: []error{errors.New("model unavailable")}})

	_, err := e.service.Process(ctx, &chat.Input{SessionID: "s1", Message: "who was the culprit here"})
	gt.Error(t, err)
	gt.A(t, e.store.GetHistory(ctx, "s1", 0)).Length(0)
}

func TestIsTokenLimitError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name: "token limit",
			err: genai.APIError{
				Code:    400,
				Status:  "INVALID_ARGUMENT",
				Message: "The input token count (2500030) exceeds the maximum number of tokens allowed (1048576).",
			},
			expected: true,
		},
		{
			name: "unrelated invalid argument",
			err: genai.APIError{
				Code:    400,
				Status:  "INVALID_ARGUMENT",
				Message: "invalid parameter format",
			},
			expected: false,
		},
		{
			name:     "memory write error",
			err:      model.ErrMemoryWrite,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gt.V(t, chat.IsTokenLimitError(tt.err)).Equal(tt.expected)
		})
	}
}
