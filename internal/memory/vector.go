package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// VectorMemory embeds text through an Embedder and keeps it in an Index.
type VectorMemory struct {
	embedder Embedder
	index    Index
	now      func() time.Time
}

// NewVectorMemory wires an embedding provider to a vector index.
func NewVectorMemory(e Embedder, idx Index) *VectorMemory {
	return &VectorMemory{embedder: e, index: idx, now: time.Now}
}

// Insert embeds text and stores it. Recognised metadata keys "session_id" and
// "turn_id" become the fragment's source reference. meta is copied.
func (v *VectorMemory) Insert(ctx context.Context, text string, meta map[string]string) (string, error) {
	vec, err := v.embed(ctx, text)
	if err != nil {
		return "", err
	}

	f := Fragment{
		ID:        uuid.NewString(),
		Text:      text,
		Vector:    vec,
		SessionID: meta["session_id"],
		TurnID:    meta["turn_id"],
		Metadata:  maps.Clone(meta),
		CreatedAt: v.now(),
	}
	stored, err := v.index.Insert(ctx, f)
	if err != nil {
		return "", fmt.Errorf("failed to store fragment: %w", err)
	}
	return stored.ID, nil
}

// Query returns the k fragments most similar to text. An empty index yields an
// empty slice without consulting the embedder.
func (v *VectorMemory) Query(ctx context.Context, text string, k int) ([]Fragment, error) {
	if k <= 0 {
		return []Fragment{}, nil
	}
	n, err := v.index.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count fragments: %w", err)
	}
	if n == 0 {
		return []Fragment{}, nil
	}

	vec, err := v.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return v.index.Search(ctx, vec, k)
}

func (v *VectorMemory) embed(ctx context.Context, text string) ([]float32, error) {
	if v.embedder == nil {
		return nil, fmt.Errorf("%w: no embedder configured", ErrEmbeddingUnavailable)
	}
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		if errors.Is(err, ErrEmbeddingUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingUnavailable)
	}
	return vec, nil
}

// InMemoryIndex is a brute-force cosine index.
type InMemoryIndex struct {
	mu        sync.RWMutex
	fragments []Fragment
	seq       int64
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{}
}

func (idx *InMemoryIndex) Insert(ctx context.Context, f Fragment) (Fragment, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.seq++
	f.Seq = idx.seq
	f = f.clone()
	idx.fragments = append(idx.fragments, f)
	return f.clone(), nil
}

func (idx *InMemoryIndex) Search(ctx context.Context, vector []float32, k int) ([]Fragment, error) {
	idx.mu.RLock()
	scored := make([]Fragment, len(idx.fragments))
	copy(scored, idx.fragments)
	idx.mu.RUnlock()

	for i := range scored {
		scored[i].Score = CosineSimilarity(vector, scored[i].Vector)
	}
	top := Rank(scored, k)
	for i := range top {
		top[i] = top[i].clone()
	}
	return top, nil
}

func (idx *InMemoryIndex) Count(ctx context.Context) (int, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.fragments), nil
}

// clone copies the fragment's vector and metadata so stored fragments are
// never shared with callers.
func (f Fragment) clone() Fragment {
	f.Vector = append([]float32(nil), f.Vector...)
	f.Metadata = maps.Clone(f.Metadata)
	return f
}

// Rank orders scored fragments by descending score, most recent insertion
// first on ties, and keeps at most k.
func Rank(scored []Fragment, k int) []Fragment {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Seq > scored[j].Seq
	})
	if k >= 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// CosineSimilarity returns 0 for vectors of different length or zero magnitude.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0.0
	}
	var dot, magA, magB float32
	for i := 0; i < len(a); i++ {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0.0
	}
	return dot / (float32(math.Sqrt(float64(magA))) * float32(math.Sqrt(float64(magB))))
}
