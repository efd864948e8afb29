package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/casefile/pkg/adapter"
	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/utils/keylock"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

const (
	// DefaultCollection is the vector collection holding conversation turns.
	DefaultCollection = "conversation_memory"
	DefaultTimeout    = 10 * time.Second

	metaSessionID         = "session_id"
	metaUserMessage       = "user_message"
	metaAssistantResponse = "assistant_response"
	metaTimestamp         = "timestamp"
	metaContext           = "context"

	// Stored timestamps keep microsecond precision.
	timestampResolution = time.Microsecond

	// Per-session last timestamps older than lastRetention are dropped once
	// more than defaultPruneThreshold sessions are tracked.
	lastRetention         = time.Minute
	defaultPruneThreshold = 1024
)

// Store persists conversation turns and serves them back as history and as
// memory context. Every stored turn is also folded into the session summary
// held by the Registry.
type Store struct {
	vectors    repository.VectorStore
	embedder   adapter.Embedder
	registry   *Registry
	collection string
	timeout    time.Duration
	locks      *keylock.Map

	lastMu         sync.Mutex
	last           map[string]time.Time
	pruneThreshold int
}

type StoreOption func(*Store)

func WithCollection(name string) StoreOption {
	return func(s *Store) {
		s.collection = name
	}
}

// WithTimeout bounds each store and embedding call.
func WithTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.timeout = d
	}
}

func withPruneThreshold(n int) StoreOption {
	return func(s *Store) {
		s.pruneThreshold = n
	}
}

func NewStore(vectors repository.VectorStore, embedder adapter.Embedder, registry *Registry, opts ...StoreOption) *Store {
	s := &Store{
		vectors:    vectors,
		embedder:   embedder,
		registry:   registry,
		collection: DefaultCollection,
		timeout:    DefaultTimeout,
		locks:      keylock.New(),
		last:       make(map[string]time.Time),

		pruneThreshold: defaultPruneThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open prepares the memory collection. A collection created with another
// embedding dimension is a configuration error.
func (s *Store) Open(ctx context.Context) error {
	if err := s.vectors.EnsureCollection(ctx, s.collection, s.embedder.Dimension()); err != nil {
		return model.Categorize(model.ErrConfiguration, goerr.Wrap(err, "failed to open memory collection"))
	}
	return nil
}

// StoreTurn writes one turn and updates the session summary as a single
// operation serialized per session. If the summary cannot be updated the
// turn is removed again so the summary count keeps matching the turns.
func (s *Store) StoreTurn(ctx context.Context, sessionID, userMessage, assistantResponse string, snapshot map[string]any) (*model.ConversationTurn, error) {
	logger := logging.From(ctx).With("op", "store_turn", "session_id", sessionID)

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	if snapshot == nil {
		snapshot = map[string]any{}
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to encode context snapshot", goerr.V("session_id", sessionID)))
	}

	ts := s.nextTimestamp(sessionID)
	turn := &model.ConversationTurn{
		ID:                model.NewTurnID(sessionID, ts),
		SessionID:         sessionID,
		UserMessage:       userMessage,
		AssistantResponse: assistantResponse,
		Timestamp:         ts,
		ContextSnapshot:   raw,
	}

	ectx, cancel := context.WithTimeout(ctx, s.timeout)
	turn.Vector, err = s.embedder.Embed(ectx, turn.EmbeddingText())
	cancel()
	if err != nil {
		logger.Error("failed to embed turn", "error", err)
		return nil, model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to embed turn", goerr.V("session_id", sessionID)))
	}

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.vectors.Upsert(wctx, s.collection, []*repository.Record{turnRecord(turn)})
	cancel()
	if err != nil {
		logger.Error("failed to write turn", "error", err)
		return nil, model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to write turn", goerr.V("turn_id", turn.ID)))
	}

	if err := s.registry.upsertAt(ctx, sessionID, userMessage, assistantResponse, ts); err != nil {
		logger.Error("failed to update session summary, reverting turn", "error", err, "turn_id", turn.ID)

		dctx, cancel := context.WithTimeout(ctx, s.timeout)
		if rbErr := s.vectors.Delete(dctx, s.collection, []string{string(turn.ID)}); rbErr != nil {
			logger.Error("failed to revert turn", "error", rbErr, "turn_id", turn.ID)
		}
		cancel()
		return nil, model.Categorize(model.ErrMemoryWrite, err)
	}

	logger.Debug("turn stored", "turn_id", turn.ID)
	return turn, nil
}

// nextTimestamp returns the current UTC time, bumped when needed so that
// timestamps of one session strictly increase at stored resolution.
func (s *Store) nextTimestamp(sessionID string) time.Time {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	ts := s.registry.now().UTC().Truncate(timestampResolution)
	if last, ok := s.last[sessionID]; ok && !ts.After(last) {
		ts = last.Add(timestampResolution)
	}

	if len(s.last) >= s.pruneThreshold {
		cutoff := ts.Add(-lastRetention)
		for id, last := range s.last {
			if last.Before(cutoff) {
				delete(s.last, id)
			}
		}
	}

	s.last[sessionID] = ts
	return ts
}

// RetrieveContext renders up to limit lines of memory for a query: the most
// recent turns of the session first, then similar turns of other sessions.
// Failures are logged and yield whatever was gathered, possibly "".
func (s *Store) RetrieveContext(ctx context.Context, sessionID, query string, limit int) string {
	if limit <= 0 {
		return ""
	}
	logger := logging.From(ctx).With("op", "retrieve_context", "session_id", sessionID)

	var lines []string
	recent, err := s.recentTurns(ctx, sessionID, limit)
	if err != nil {
		logger.Warn("failed to read recent turns", "error", err)
	}
	for _, t := range recent {
		lines = append(lines, "Previous conversation: "+t.UserMessage+" -> "+t.AssistantResponse)
	}

	if len(lines) < limit {
		similar, err := s.similarTurns(ctx, sessionID, query, limit)
		if err != nil {
			logger.Warn("failed to read similar turns", "error", err)
		}
		for _, t := range similar {
			lines = append(lines, "Similar case: "+t.UserMessage+" -> "+t.AssistantResponse)
		}
	}

	if len(lines) > limit {
		lines = lines[:limit]
	}
	return strings.Join(lines, "\n")
}

func (s *Store) recentTurns(ctx context.Context, sessionID string, limit int) ([]*model.ConversationTurn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.vectors.Find(ctx, s.collection, &repository.FindInput{
		Filters:    []repository.Filter{repository.Eq(metaSessionID, sessionID)},
		OrderBy:    metaTimestamp,
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find recent turns")
	}
	return recordTurns(records), nil
}

func (s *Store) similarTurns(ctx context.Context, sessionID, query string, limit int) ([]*model.ConversationTurn, error) {
	ectx, cancel := context.WithTimeout(ctx, s.timeout)
	vec, err := s.embedder.Embed(ectx, query)
	cancel()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}

	qctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	records, err := s.vectors.Nearest(qctx, s.collection, &repository.NearestInput{
		Vector:  vec,
		Filters: []repository.Filter{repository.Ne(metaSessionID, sessionID)},
		Limit:   limit,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query similar turns")
	}

	var turns []*model.ConversationTurn
	for _, t := range recordTurns(records) {
		if t.SessionID == sessionID {
			continue
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// GetHistory returns up to limit turns of the session, most recent first.
// A non-positive limit returns all turns. Failures are logged and yield an
// empty history.
func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) []*model.ConversationTurn {
	turns, err := s.sessionTurns(ctx, sessionID, limit)
	if err != nil {
		logging.From(ctx).Warn("failed to read history", "op", "get_history", "session_id", sessionID, "error", err)
		return []*model.ConversationTurn{}
	}
	return turns
}

func (s *Store) sessionTurns(ctx context.Context, sessionID string, limit int) ([]*model.ConversationTurn, error) {
	if limit < 0 {
		limit = 0
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.vectors.Find(ctx, s.collection, &repository.FindInput{
		Filters:    []repository.Filter{repository.Eq(metaSessionID, sessionID)},
		OrderBy:    metaTimestamp,
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to find session turns", goerr.V("session_id", sessionID))
	}
	return recordTurns(records), nil
}

// Clear deletes every turn of the session and then its summary. When any
// step fails the error is returned and the summary is kept, so the session
// stays visible and the call can be retried.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	logger := logging.From(ctx).With("op", "clear", "session_id", sessionID)

	unlock := s.locks.Lock(sessionID)
	defer unlock()

	turns, err := s.sessionTurns(ctx, sessionID, 0)
	if err != nil {
		logger.Error("failed to list turns", "error", err)
		return model.Categorize(model.ErrMemoryWrite, err)
	}

	if len(turns) > 0 {
		ids := make([]string, len(turns))
		for i, t := range turns {
			ids[i] = string(t.ID)
		}

		dctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.vectors.Delete(dctx, s.collection, ids)
		cancel()
		if err != nil {
			logger.Error("failed to delete turns", "error", err, "count", len(ids))
			return model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to delete turns", goerr.V("session_id", sessionID), goerr.V("count", len(ids))))
		}
	}

	if err := s.registry.Delete(ctx, sessionID); err != nil {
		logger.Error("failed to delete summary", "error", err)
		return err
	}

	s.lastMu.Lock()
	delete(s.last, sessionID)
	s.lastMu.Unlock()

	logger.Info("session cleared", "turns", len(turns))
	return nil
}

func turnRecord(t *model.ConversationTurn) *repository.Record {
	return &repository.Record{
		ID:     string(t.ID),
		Vector: t.Vector,
		Metadata: map[string]any{
			metaSessionID:         t.SessionID,
			metaUserMessage:       t.UserMessage,
			metaAssistantResponse: t.AssistantResponse,
			metaTimestamp:         t.Timestamp,
			metaContext:           string(t.ContextSnapshot),
		},
	}
}

func recordTurns(records []*repository.Record) []*model.ConversationTurn {
	turns := make([]*model.ConversationTurn, 0, len(records))
	for _, r := range records {
		t := &model.ConversationTurn{
			ID:                model.TurnID(r.ID),
			SessionID:         r.String(metaSessionID),
			UserMessage:       r.String(metaUserMessage),
			AssistantResponse: r.String(metaAssistantResponse),
			Timestamp:         r.Time(metaTimestamp),
			Vector:            r.Vector,
		}
		if raw := r.String(metaContext); raw != "" {
			t.ContextSnapshot = json.RawMessage(raw)
		}
		turns = append(turns, t)
	}
	return turns
}
