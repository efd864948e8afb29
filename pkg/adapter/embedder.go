package adapter

import "context"

// Embedder maps text to a fixed-length vector. Implementations must be
// deterministic for identical input and return vectors of Dimension()
// elements.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Generator is the external language model call.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, prompt string) (string, error)
}
