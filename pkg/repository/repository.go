package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
)

// Op is a comparison operator of a metadata filter.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
)

// Filter restricts records by one metadata field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Filter { return Filter{Field: field, Op: OpNe, Value: value} }

// Record is one entry of a vector collection. Distance is only set on
// records returned by Nearest and is the cosine distance to the query
// (lower is more similar).
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
	Distance float64
}

// FindInput describes a metadata-only query.
type FindInput struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// NearestInput describes a similarity query.
type NearestInput struct {
	Vector  []float32
	Filters []Filter
	Limit   int
}

// VectorStore persists records in named collections and answers cosine
// similarity queries with metadata filters.
type VectorStore interface {
	// EnsureCollection creates the collection if absent. It fails when the
	// collection exists with a different dimension.
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, records []*Record) error
	// GetByIDs returns the records that exist among ids. Missing ids are
	// silently omitted.
	GetByIDs(ctx context.Context, collection string, ids []string) ([]*Record, error)
	Find(ctx context.Context, collection string, input *FindInput) ([]*Record, error)
	Nearest(ctx context.Context, collection string, input *NearestInput) ([]*Record, error)
	Delete(ctx context.Context, collection string, ids []string) error
}

// SummaryStore is a keyed store of session summaries.
type SummaryStore interface {
	// GetSummary returns nil without error when the session is unknown.
	GetSummary(ctx context.Context, sessionID string) (*model.SessionSummary, error)
	PutSummary(ctx context.Context, summary *model.SessionSummary) error
	DeleteSummary(ctx context.Context, sessionID string) error
	ListSummaries(ctx context.Context) ([]*model.SessionSummary, error)
	// ListIdleSummaries returns summaries whose last activity is strictly
	// before the given time.
	ListIdleSummaries(ctx context.Context, before time.Time) ([]*model.SessionSummary, error)
}

// String returns a string metadata value, or empty.
func (r *Record) String(key string) string {
	if s, ok := r.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Int returns an integer metadata value, or zero.
func (r *Record) Int(key string) int {
	switch v := r.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case int32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Time returns a timestamp metadata value, or the zero time.
func (r *Record) Time(key string) time.Time {
	if t, ok := r.Metadata[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func (r *Record) clone() *Record {
	md := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	vec := make([]float32, len(r.Vector))
	copy(vec, r.Vector)
	return &Record{ID: r.ID, Vector: vec, Metadata: md, Distance: r.Distance}
}
