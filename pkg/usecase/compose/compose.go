package compose

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/m-mizutani/casefile/pkg/utils/logging"
)

const (
	DefaultDocumentK   = 5
	DefaultMemoryLimit = 5
)

// DocumentRetriever is satisfied by document.Retriever.
type DocumentRetriever interface {
	Retrieve(ctx context.Context, collection, query string, k int) ([]string, error)
}

// MemoryReader is satisfied by memory.Store.
type MemoryReader interface {
	RetrieveContext(ctx context.Context, sessionID, query string, limit int) string
}

// Bundle is the context assembled for a single query.
type Bundle struct {
	DocumentContext []string `json:"document_context"`
	MemoryContext   string   `json:"memory_context"`
	SessionContext  string   `json:"session_context"`
}

// Composer gathers document, memory and session context for a query. It
// only reads.
type Composer struct {
	documents   DocumentRetriever
	memory      MemoryReader
	collection  string
	documentK   int
	memoryLimit int
	now         func() time.Time
}

type Option func(*Composer)

func WithDocumentK(k int) Option {
	return func(c *Composer) {
		c.documentK = k
	}
}

func WithMemoryLimit(limit int) Option {
	return func(c *Composer) {
		c.memoryLimit = limit
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Composer) {
		c.now = now
	}
}

func New(documents DocumentRetriever, memory MemoryReader, collection string, opts ...Option) *Composer {
	c := &Composer{
		documents:   documents,
		memory:      memory,
		collection:  collection,
		documentK:   DefaultDocumentK,
		memoryLimit: DefaultMemoryLimit,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose never fails on a missing document or memory context; both degrade
// to empty so that the conversation can go on.
func (c *Composer) Compose(ctx context.Context, sessionID, query string, userContext map[string]string) (*Bundle, error) {
	logger := logging.From(ctx).With("op", "compose", "session_id", sessionID)

	docs, err := c.documents.Retrieve(ctx, c.collection, query, c.documentK)
	if err != nil {
		logger.Warn("document retrieval failed, continuing without documents", "error", err)
		docs = []string{}
	}

	bundle := &Bundle{
		DocumentContext: docs,
		MemoryContext:   c.memory.RetrieveContext(ctx, sessionID, query, c.memoryLimit),
		SessionContext:  c.sessionContext(sessionID, userContext),
	}

	logger.Debug("context composed", "documents", len(bundle.DocumentContext), "memory_bytes", len(bundle.MemoryContext))
	return bundle, nil
}

func (c *Composer) sessionContext(sessionID string, userContext map[string]string) string {
	lines := []string{"Session ID: " + sessionID}

	keys := make([]string, 0, len(userContext))
	for k := range userContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", titleKey(k), userContext[k]))
	}

	lines = append(lines, "Current Time: "+c.now().UTC().Format("2006-01-02 15:04:05")+" UTC")
	return strings.Join(lines, "\n")
}

// titleKey upper-cases the first letter of every word and lower-cases the
// rest, treating any non-letter as a word boundary.
func titleKey(key string) string {
	var b strings.Builder
	boundary := true
	for _, r := range key {
		if unicode.IsLetter(r) {
			if boundary {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteRune(unicode.ToLower(r))
			}
			boundary = false
		} else {
			b.WriteRune(r)
			boundary = true
		}
	}
	return b.String()
}
