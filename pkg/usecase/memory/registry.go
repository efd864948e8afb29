package memory

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/casefile/pkg/utils/logging"
	"github.com/m-mizutani/goerr/v2"
)

// DefaultSessionMaxAge is the idle period after which a session is swept.
const DefaultSessionMaxAge = 30 * 24 * time.Hour

// Registry keeps one SessionSummary per session that has stored turns.
type Registry struct {
	summaries repository.SummaryStore
	timeout   time.Duration
	now       func() time.Time
}

type RegistryOption func(*Registry)

func WithRegistryTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(summaries repository.SummaryStore, opts ...RegistryOption) *Registry {
	r := &Registry{
		summaries: summaries,
		timeout:   DefaultTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertOnTurn records one turn in the session summary, creating it on the
// first turn. Callers that also write the turn should go through
// Store.StoreTurn, which does both under the session lock.
func (r *Registry) UpsertOnTurn(ctx context.Context, sessionID, userMessage, assistantResponse string) error {
	return r.upsertAt(ctx, sessionID, userMessage, assistantResponse, r.now().UTC())
}

func (r *Registry) upsertAt(ctx context.Context, sessionID, userMessage, assistantResponse string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	summary, err := r.summaries.GetSummary(ctx, sessionID)
	if err != nil {
		return goerr.Wrap(err, "failed to read session summary", goerr.V("session_id", sessionID))
	}

	if summary == nil {
		summary = model.NewSessionSummary(sessionID, userMessage, assistantResponse, at)
	} else {
		summary.Apply(userMessage, assistantResponse, at)
	}

	if err := r.summaries.PutSummary(ctx, summary); err != nil {
		return goerr.Wrap(err, "failed to write session summary", goerr.V("session_id", sessionID))
	}
	return nil
}

// GetSummary returns nil without error for an unknown session.
func (r *Registry) GetSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	summary, err := r.summaries.GetSummary(ctx, sessionID)
	if err != nil {
		return nil, model.Categorize(model.ErrRetrieval, goerr.Wrap(err, "failed to get session summary", goerr.V("session_id", sessionID)))
	}
	return summary, nil
}

// ListSummaries returns all summaries, most recently active first.
func (r *Registry) ListSummaries(ctx context.Context) ([]*model.SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	summaries, err := r.summaries.ListSummaries(ctx)
	if err != nil {
		return nil, model.Categorize(model.ErrRetrieval, goerr.Wrap(err, "failed to list session summaries"))
	}
	return summaries, nil
}

// Delete removes the summary. Deleting an absent summary is not an error.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.summaries.DeleteSummary(ctx, sessionID); err != nil {
		return model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to delete session summary", goerr.V("session_id", sessionID)))
	}
	return nil
}

// Clearer removes every trace of a session, its summary included.
type Clearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// SweepExpired clears every session idle for longer than maxAge and returns
// how many were cleared. A failing session does not stop the sweep; all
// failures are returned joined.
func (r *Registry) SweepExpired(ctx context.Context, clearer Clearer, maxAge time.Duration) (int, error) {
	logger := logging.From(ctx).With("op", "sweep_expired")
	cutoff := r.now().UTC().Add(-maxAge)

	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	expired, err := r.summaries.ListIdleSummaries(lctx, cutoff)
	cancel()
	if err != nil {
		return 0, model.Categorize(model.ErrMemoryWrite, goerr.Wrap(err, "failed to list idle sessions", goerr.V("cutoff", cutoff)))
	}

	var errs []error
	swept := 0
	for _, s := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		if err := clearer.Clear(ctx, s.SessionID); err != nil {
			logger.Error("failed to clear expired session", "session_id", s.SessionID, "error", err)
			errs = append(errs, err)
			continue
		}
		swept++
	}

	logger.Info("expired sessions swept", "cutoff", cutoff, "candidates", len(expired), "swept", swept)
	return swept, errors.Join(errs...)
}
