package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/m-mizutani/casefile/pkg/model"
	"github.com/m-mizutani/casefile/pkg/repository"
	"github.com/m-mizutani/gt"
)

func TestMemoryEnsureCollection(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	gt.NoError(t, repo.EnsureCollection(ctx, "docs", 3))
	gt.NoError(t, repo.EnsureCollection(ctx, "docs", 3))
	gt.Error(t, repo.EnsureCollection(ctx, "docs", 4))

	_, err := repo.GetByIDs(ctx, "unknown", []string{"a"})
	gt.Error(t, err)
}

func TestMemoryUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gt.NoError(t, repo.EnsureCollection(ctx, "docs", 2))

	gt.NoError(t, repo.Upsert(ctx, "docs", []*repository.Record{
		{ID: "a", Vector: []float32{1, 0}, Metadata: map[string]any{"text": "alpha"}},
		{ID: "b", Vector: []float32{0, 1}, Metadata: map[string]any{"text": "beta"}},
	}))

	t.Run("missing ids are omitted", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, "docs", []string{"a", "x", "b"})
		gt.NoError(t, err)
		gt.A(t, got).Length(2)
		gt.Equal(t, got[0].String("text"), "alpha")
		gt.Equal(t, got[1].String("text"), "beta")
	})

	t.Run("upsert overwrites", func(t *testing.T) {
		gt.NoError(t, repo.Upsert(ctx, "docs", []*repository.Record{
			{ID: "a", Vector: []float32{1, 1}, Metadata: map[string]any{"text": "alpha2"}},
		}))
		got, err := repo.GetByIDs(ctx, "docs", []string{"a"})
		gt.NoError(t, err)
		gt.A(t, got).Length(1)
		gt.Equal(t, got[0].String("text"), "alpha2")
	})

	t.Run("dimension mismatch is rejected", func(t *testing.T) {
		err := repo.Upsert(ctx, "docs", []*repository.Record{
			{ID: "c", Vector: []float32{1, 0, 0}},
		})
		gt.Error(t, err)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		got, err := repo.GetByIDs(ctx, "docs", []string{"b"})
		gt.NoError(t, err)
		got[0].Metadata["text"] = "mutated"

		again, err := repo.GetByIDs(ctx, "docs", []string{"b"})
		gt.NoError(t, err)
		gt.Equal(t, again[0].String("text"), "beta")
	})
}

func TestMemoryNearest(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gt.NoError(t, repo.EnsureCollection(ctx, "turns", 2))

	gt.NoError(t, repo.Upsert(ctx, "turns", []*repository.Record{
		{ID: "s1_1", Vector: []float32{1, 0}, Metadata: map[string]any{"session_id": "s1"}},
		{ID: "s1_2", Vector: []float32{0.9, 0.1}, Metadata: map[string]any{"session_id": "s1"}},
		{ID: "s2_1", Vector: []float32{0.95, 0.05}, Metadata: map[string]any{"session_id": "s2"}},
		{ID: "s2_2", Vector: []float32{0, 1}, Metadata: map[string]any{"session_id": "s2"}},
	}))

	t.Run("ordered by distance", func(t *testing.T) {
		got, err := repo.Nearest(ctx, "turns", &repository.NearestInput{
			Vector: []float32{1, 0},
			Limit:  3,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(3)
		gt.Equal(t, got[0].ID, "s1_1")
		gt.Equal(t, got[1].ID, "s2_1")
		gt.Equal(t, got[2].ID, "s1_2")
		gt.True(t, got[0].Distance <= got[1].Distance)
	})

	t.Run("equality filter", func(t *testing.T) {
		got, err := repo.Nearest(ctx, "turns", &repository.NearestInput{
			Vector:  []float32{1, 0},
			Filters: []repository.Filter{repository.Eq("session_id", "s2")},
			Limit:   10,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(2)
		for _, r := range got {
			gt.Equal(t, r.String("session_id"), "s2")
		}
	})

	t.Run("inequality filter", func(t *testing.T) {
		got, err := repo.Nearest(ctx, "turns", &repository.NearestInput{
			Vector:  []float32{1, 0},
			Filters: []repository.Filter{repository.Ne("session_id", "s1")},
			Limit:   10,
		})
		gt.NoError(t, err)
		gt.A(t, got).Length(2)
		for _, r := range got {
			gt.NotEqual(t, r.String("session_id"), "s1")
		}
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		_, err := repo.Nearest(ctx, "turns", &repository.NearestInput{Vector: []float32{1}, Limit: 1})
		gt.Error(t, err)
	})
}

func TestMemoryFindOrderAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gt.NoError(t, repo.EnsureCollection(ctx, "turns", 1))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gt.NoError(t, repo.Upsert(ctx, "turns", []*repository.Record{
		{ID: "b", Vector: []float32{1}, Metadata: map[string]any{"session_id": "s1", "timestamp": base.Add(2 * time.Second)}},
		{ID: "a", Vector: []float32{1}, Metadata: map[string]any{"session_id": "s1", "timestamp": base.Add(1 * time.Second)}},
		{ID: "c", Vector: []float32{1}, Metadata: map[string]any{"session_id": "s1", "timestamp": base.Add(3 * time.Second)}},
		{ID: "z", Vector: []float32{1}, Metadata: map[string]any{"session_id": "s2", "timestamp": base}},
	}))

	got, err := repo.Find(ctx, "turns", &repository.FindInput{
		Filters:    []repository.Filter{repository.Eq("session_id", "s1")},
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      2,
	})
	gt.NoError(t, err)
	gt.A(t, got).Length(2)
	gt.Equal(t, got[0].ID, "c")
	gt.Equal(t, got[1].ID, "b")
	gt.Equal(t, got[1].Time("timestamp"), base.Add(2*time.Second))

	gt.NoError(t, repo.Delete(ctx, "turns", []string{"a", "b", "c", "missing"}))
	got, err = repo.Find(ctx, "turns", &repository.FindInput{})
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].ID, "z")
}

func TestMemorySummaries(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	got, err := repo.GetSummary(ctx, "none")
	gt.NoError(t, err)
	gt.V(t, got).Nil()

	old := model.NewSessionSummary("old", "where was the body found", "in the library", now.Add(-48*time.Hour))
	fresh := model.NewSessionSummary("fresh", "who owns the dog", "the neighbour", now)
	gt.NoError(t, repo.PutSummary(ctx, old))
	gt.NoError(t, repo.PutSummary(ctx, fresh))

	got, err = repo.GetSummary(ctx, "old")
	gt.NoError(t, err)
	gt.Equal(t, got.MessageCount, 1)
	gt.A(t, got.Topics).Length(1)

	all, err := repo.ListSummaries(ctx)
	gt.NoError(t, err)
	gt.A(t, all).Length(2)
	gt.Equal(t, all[0].SessionID, "fresh")

	idle, err := repo.ListIdleSummaries(ctx, now.Add(-24*time.Hour))
	gt.NoError(t, err)
	gt.A(t, idle).Length(1)
	gt.Equal(t, idle[0].SessionID, "old")

	gt.NoError(t, repo.DeleteSummary(ctx, "old"))
	got, err = repo.GetSummary(ctx, "old")
	gt.NoError(t, err)
	gt.V(t, got).Nil()
}
