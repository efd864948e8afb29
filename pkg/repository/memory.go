package repository

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/goerr/v2"
)

// Memory is an in-process implementation of VectorStore and SummaryStore.
// Contents are lost when the process exits.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	summaries   map[string]*model.SessionSummary
}

type memCollection struct {
	dimension int
	records   map[string]*Record
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memCollection),
		summaries:   make(map[string]*model.SessionSummary),
	}
}

func (m *Memory) EnsureCollection(_ context.Context, name string, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.collections[name]; ok {
		if c.dimension != dimension {
			return goerr.New("collection dimension mismatch",
				goerr.V("collection", name),
				goerr.V("expected", c.dimension),
				goerr.V("actual", dimension))
		}
		return nil
	}

	m.collections[name] = &memCollection{
		dimension: dimension,
		records:   make(map[string]*Record),
	}
	return nil
}

func (m *Memory) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, goerr.New("collection not found", goerr.V("collection", name))
	}
	return c, nil
}

func (m *Memory) Upsert(_ context.Context, collection string, records []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}

	for _, r := range records {
		if len(r.Vector) != c.dimension {
			return goerr.New("vector dimension mismatch",
				goerr.V("collection", collection),
				goerr.V("id", r.ID),
				goerr.V("expected", c.dimension),
				goerr.V("actual", len(r.Vector)))
		}
	}
	for _, r := range records {
		c.records[r.ID] = r.clone()
	}
	return nil
}

func (m *Memory) GetByIDs(_ context.Context, collection string, ids []string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}

	var results []*Record
	for _, id := range ids {
		if r, ok := c.records[id]; ok {
			results = append(results, r.clone())
		}
	}
	return results, nil
}

func (m *Memory) Find(_ context.Context, collection string, input *FindInput) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}

	var results []*Record
	for _, r := range c.records {
		if matchAll(r, input.Filters) {
			results = append(results, r.clone())
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if input.OrderBy != "" {
			cmp := compareValues(results[i].Metadata[input.OrderBy], results[j].Metadata[input.OrderBy])
			if cmp != 0 {
				if input.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return results[i].ID < results[j].ID
	})

	if input.Limit > 0 && len(results) > input.Limit {
		results = results[:input.Limit]
	}
	return results, nil
}

func (m *Memory) Nearest(_ context.Context, collection string, input *NearestInput) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if len(input.Vector) != c.dimension {
		return nil, goerr.New("query dimension mismatch",
			goerr.V("collection", collection),
			goerr.V("expected", c.dimension),
			goerr.V("actual", len(input.Vector)))
	}

	var results []*Record
	for _, r := range c.records {
		if !matchAll(r, input.Filters) {
			continue
		}
		hit := r.clone()
		hit.Distance = cosineDistance(input.Vector, r.Vector)
		results = append(results, hit)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if input.Limit > 0 && len(results) > input.Limit {
		results = results[:input.Limit]
	}
	return results, nil
}

func (m *Memory) Delete(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.records, id)
	}
	return nil
}

func (m *Memory) GetSummary(_ context.Context, sessionID string) (*model.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *Memory) PutSummary(_ context.Context, summary *model.SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.summaries[summary.SessionID] = summary.Clone()
	return nil
}

func (m *Memory) DeleteSummary(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.summaries, sessionID)
	return nil
}

func (m *Memory) ListSummaries(_ context.Context) ([]*model.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*model.SessionSummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		results = append(results, s.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActivity.After(results[j].LastActivity)
	})
	return results, nil
}

func (m *Memory) ListIdleSummaries(_ context.Context, before time.Time) ([]*model.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*model.SessionSummary
	for _, s := range m.summaries {
		if s.LastActivity.Before(before) {
			results = append(results, s.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].LastActivity.Before(results[j].LastActivity)
	})
	return results, nil
}

func matchAll(r *Record, filters []Filter) bool {
	for _, f := range filters {
		eq := compareValues(r.Metadata[f.Field], f.Value) == 0
		switch f.Op {
		case OpEq:
			if !eq {
				return false
			}
		case OpNe:
			if eq {
				return false
			}
		}
	}
	return true
}

// compareValues orders metadata values of the same kind. Values of
// unrelated kinds compare as unequal with a stable but arbitrary order.
func compareValues(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}

	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}

	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	return 1
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

var (
	_ VectorStore  = (*Memory)(nil)
	_ SummaryStore = (*Memory)(nil)
)
