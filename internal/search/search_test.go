package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"localagent/internal/storage"
)

type listerFunc func(context.Context) ([]storage.LocalMemory, error)

func (f listerFunc) ListEmbeddedMemories(ctx context.Context) ([]storage.LocalMemory, error) {
	return f(ctx)
}

func staticLister(mems ...storage.LocalMemory) listerFunc {
	return func(context.Context) ([]storage.LocalMemory, error) { return mems, nil }
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func mem(id string, age time.Duration, vec ...float32) storage.LocalMemory {
	return storage.LocalMemory{ID: id, Embedding: vec, UpdatedAt: base.Add(-age)}
}

func ids(rs []Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Memory.ID
	}
	return out
}

func TestCosineRanking(t *testing.T) {
	idx := NewBruteForce(staticLister(
		mem("x", 0, 1, 0),
		mem("y", 0, 0, 1),
		mem("z", 0, 0.7, 0.7),
	))
	got, err := idx.Search(context.Background(), []float32{1, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"x", "z"}, ids(got)); diff != "" {
		t.Fatalf("ranking mismatch (-want +got):\n%s", diff)
	}
	if got[0].Score < 0.999 || got[1].Score < 0.70 || got[1].Score > 0.71 {
		t.Fatalf("scores=%v,%v", got[0].Score, got[1].Score)
	}
}

func TestTiesPreferNewest(t *testing.T) {
	idx := NewBruteForce(staticLister(
		mem("old", time.Hour, 1, 1),
		mem("new", time.Minute, 2, 2),
	))
	got, err := idx.Search(context.Background(), []float32{1, 1}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"new", "old"}, ids(got)); diff != "" {
		t.Fatalf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestSkipsMismatchedAndZeroVectors(t *testing.T) {
	idx := NewBruteForce(staticLister(
		mem("short", 0, 1),
		mem("zero", 0, 0, 0),
		mem("ok", 0, 0, 1),
	))
	got, err := idx.Search(context.Background(), []float32{0, 1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ok", "zero"}, ids(got)); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	if got[1].Score != 0 {
		t.Fatalf("zero vector score=%v, want 0", got[1].Score)
	}
}

func TestZeroQueryScoresZero(t *testing.T) {
	if s := Cosine([]float32{0, 0}, []float32{1, 0}); s != 0 {
		t.Fatalf("Cosine=%v, want 0", s)
	}
}

func TestEmptyInputs(t *testing.T) {
	idx := NewBruteForce(staticLister(mem("a", 0, 1)))
	if got, _ := idx.Search(context.Background(), []float32{1}, 0); got != nil {
		t.Fatalf("k=0 returned %v", got)
	}
	if got, _ := idx.Search(context.Background(), nil, 3); got != nil {
		t.Fatalf("empty query returned %v", got)
	}
}

func TestListErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	idx := NewBruteForce(listerFunc(func(context.Context) ([]storage.LocalMemory, error) { return nil, boom }))
	if _, err := idx.Search(context.Background(), []float32{1}, 1); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
}
