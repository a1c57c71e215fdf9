// Package search ranks stored memories by embedding similarity.
package search

import (
	"context"
	"fmt"
	"math"
	"sort"

	"localagent/internal/storage"
)

// Result is one ranked memory.
type Result struct {
	Memory storage.LocalMemory `json:"memory"`
	Score  float64             `json:"score"`
}

// Index answers k-nearest queries over memory embeddings.
type Index interface {
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
}

// EmbeddedLister lists memories that carry a local embedding.
type EmbeddedLister interface {
	ListEmbeddedMemories(ctx context.Context) ([]storage.LocalMemory, error)
}

// BruteForce 对所有带嵌入的记忆做线性余弦扫描，数千条规模下足够快。
// BruteForce scans every embedded memory and scores it by cosine
// similarity. Linear scans stay fast at thousands of entries.
type BruteForce struct {
	store EmbeddedLister
}

func NewBruteForce(store EmbeddedLister) *BruteForce {
	return &BruteForce{store: store}
}

// Search returns at most k results ordered by score, newest first on ties.
// Memories whose embedding dimension differs from the query are skipped.
func (b *BruteForce) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	mems, err := b.store.ListEmbeddedMemories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list embedded memories: %w", err)
	}
	results := make([]Result, 0, len(mems))
	for i, m := range mems {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if len(m.Embedding) != len(query) {
			continue
		}
		results = append(results, Result{Memory: m, Score: Cosine(query, m.Embedding)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.UpdatedAt.After(results[j].Memory.UpdatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when either has
// zero magnitude or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
