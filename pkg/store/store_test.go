package store

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/metric"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: fixedNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, dims int, mutate func(*config.StoreConfig)) *Store {
	t.Helper()
	s, _ := newTestStoreWithClock(t, dims, mutate)
	return s
}

func newTestStoreWithClock(t *testing.T, dims int, mutate func(*config.StoreConfig)) (*Store, *fakeClock) {
	t.Helper()
	cfg := config.StoreConfig{Dimensions: dims, Metric: string(metric.Cosine)}
	if mutate != nil {
		mutate(&cfg)
	}
	clock := newFakeClock()
	s, err := Open(cfg, WithSeed(42), WithClock(clock.Now))
	require.NoError(t, err)
	return s, clock
}

func randomUnitVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	var norm float64
	for i := range v {
		v[i] = float32(rng.NormFloat64())
		norm += float64(v[i]) * float64(v[i])
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(config.StoreConfig{Dimensions: -1, Metric: "cosine"})
	assert.Error(t, err)

	_, err = Open(config.StoreConfig{Dimensions: 3, Metric: "taxicab"})
	assert.Error(t, err)

	s, err := Open(config.StoreConfig{})
	require.NoError(t, err)
	assert.Equal(t, 384, s.Config().Dimensions)
	assert.Equal(t, "cosine", s.Config().Metric)
	assert.Equal(t, 16, s.Config().M)
}

func TestInsertValidation(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		id    string
		data  []float32
		attrs Attributes
		want  error
	}{
		{name: "wrong dimension", id: "a", data: []float32{1, 0}, want: ErrInvalidDimensions},
		{name: "nan component", id: "a", data: []float32{float32(math.NaN()), 0, 0}, want: ErrInvalidVector},
		{name: "zero vector under cosine", id: "a", data: []float32{0, 0, 0}, want: ErrInvalidVector},
		{name: "empty id", id: "", data: []float32{1, 0, 0}, want: ErrInvalidVector},
		{name: "importance above one", id: "a", data: []float32{1, 0, 0}, attrs: Attributes{Importance: 1.5}, want: ErrInvalidVector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Insert(ctx, tt.id, tt.data, tt.attrs)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, 0, s.Len())
		})
	}
}

func TestInsertNormalizesUnderCosine(t *testing.T) {
	s := newTestStore(t, 3, nil)
	require.NoError(t, s.Insert(context.Background(), "a", []float32{3, 0, 0}, Attributes{Importance: 0.5}))

	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, float64(metric.Norm(rec.Data)), 1e-5)
}

func TestIdempotentInsert(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.4}))
	err := s.Insert(ctx, "a", []float32{0, 1, 0}, Attributes{Importance: 0.9})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, float64(rec.Attrs.Importance), 1e-6)
	assert.InDelta(t, 1.0, float64(rec.Data[0]), 1e-6)
	assert.Equal(t, 1, s.Len())
}

func TestConcurrentDuplicateInserts(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	const workers = 8
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Insert(ctx, "dup", []float32{1, 0, 0}, Attributes{Importance: 0.5})
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyExists)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, s.Len())
}

func TestSearchOnEmpty(t *testing.T) {
	s := newTestStore(t, 3, nil)
	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, 5, SearchPolicy{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchBoundaries(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.5}))
	require.NoError(t, s.Insert(ctx, "b", []float32{0, 1, 0}, Attributes{Importance: 0.5}))
	require.NoError(t, s.Insert(ctx, "c", []float32{0, 0, 1}, Attributes{Importance: 0.5}))

	t.Run("k zero", func(t *testing.T) {
		hits, err := s.Search(ctx, []float32{1, 0, 0}, 0, SearchPolicy{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("k beyond record count", func(t *testing.T) {
		hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, SearchPolicy{})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "c"}, hitIDs(hits))
	})

	t.Run("zero query vector", func(t *testing.T) {
		_, err := s.Search(ctx, []float32{0, 0, 0}, 1, SearchPolicy{})
		assert.ErrorIs(t, err, ErrInvalidVector)
	})

	t.Run("query dimension mismatch", func(t *testing.T) {
		_, err := s.Search(ctx, []float32{1, 0}, 1, SearchPolicy{})
		assert.ErrorIs(t, err, ErrInvalidDimensions)
	})
}

func TestSelfRetrievalScore(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.5}))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 1, SearchPolicy{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 0.0, float64(hits[0].Distance), 1e-6)
	assert.InDelta(t, -0.15, float64(hits[0].Score), 1e-6)
}

func TestTemporalOverride(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()
	dayRate := float32(math.Ln2 / 86400)
	oldAccess := fixedNow.Add(-1e6 * time.Second)

	require.NoError(t, s.Insert(ctx, "old", []float32{1, 0, 0}, Attributes{
		Importance:   1.0,
		CreatedAt:    oldAccess,
		LastAccessed: oldAccess,
		DecayRate:    dayRate,
	}))
	require.NoError(t, s.Insert(ctx, "new", []float32{0.99, 0.14, 0}, Attributes{
		Importance: 0.2,
		DecayRate:  dayRate,
	}))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 1, SearchPolicy{TemporalWeight: Weight(0.5)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].ID, "recency dominates at w=0.5")

	hits, err = s.Search(ctx, []float32{1, 0, 0}, 1, SearchPolicy{TemporalWeight: Weight(0)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "old", hits[0].ID, "raw distance wins at w=0")
}

func TestSearchTouchesReturnedIDs(t *testing.T) {
	s, clock := newTestStoreWithClock(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.5}))

	clock.Advance(time.Hour)
	_, err := s.Search(ctx, []float32{1, 0, 0}, 1, SearchPolicy{})
	require.NoError(t, err)

	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Attrs.AccessCount)
	assert.Equal(t, fixedNow.Add(time.Hour), rec.Attrs.LastAccessed)
}

func TestGraphSymmetryAndDegree(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping randomized graph invariants in short mode")
	}
	s := newTestStore(t, 8, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		require.NoError(t, s.Insert(ctx, fmt.Sprintf("v%04d", i), randomUnitVec(rng, 8), Attributes{Importance: 0.5}))
	}

	type edge struct {
		from, to string
		layer    int
	}
	edges := make(map[edge]bool)
	s.index.ForEachNode(func(id string, _ []float32, layer int, neighbors [][]string, _ bool) bool {
		for l, ids := range neighbors {
			bound := s.cfg.M
			if l == 0 {
				bound = 2 * s.cfg.M
			}
			assert.LessOrEqual(t, len(ids), bound, "degree bound at %q layer %d", id, l)
			for _, peer := range ids {
				edges[edge{from: id, to: peer, layer: l}] = true
			}
		}
		return true
	})
	for e := range edges {
		assert.True(t, edges[edge{from: e.to, to: e.from, layer: e.layer}],
			"edge %s->%s at layer %d has no reverse", e.from, e.to, e.layer)
	}
}

func TestTombstone(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	require.NoError(t, s.Insert(ctx, "x", []float32{1, 0, 0}, Attributes{Importance: 0.5}))
	for i := 0; i < 9; i++ {
		require.NoError(t, s.Insert(ctx, fmt.Sprintf("n%d", i), randomUnitVec(rng, 3), Attributes{Importance: 0.5}))
	}

	require.NoError(t, s.Delete("x"))
	_, err := s.Get("x")
	assert.ErrorIs(t, err, ErrNotFound)

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, SearchPolicy{})
	require.NoError(t, err)
	assert.NotContains(t, hitIDs(hits), "x")
	assert.Len(t, hits, 9, "neighbors stay reachable through the tombstone")
}

func TestReinsertAfterDelete(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "x", []float32{1, 0, 0}, Attributes{Importance: 0.5}))
	require.NoError(t, s.Delete("x"))
	require.NoError(t, s.Insert(ctx, "x", []float32{0, 1, 0}, Attributes{Importance: 0.7}))

	hits, err := s.Search(ctx, []float32{0, 1, 0}, 1, SearchPolicy{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "x", hits[0].ID)
}

func TestDeleteNotFound(t *testing.T) {
	s := newTestStore(t, 3, nil)
	assert.ErrorIs(t, s.Delete("ghost"), ErrNotFound)
	_, err := s.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelationships(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "b", []float32{0, 1, 0}, Attributes{
		Importance: 0.5, Context: "work", Relationships: []string{"a", "ghost"},
	}))
	require.NoError(t, s.Insert(ctx, "c", []float32{0, 0, 1}, Attributes{
		Importance: 0.5, Context: "work", Relationships: []string{"b"},
	}))

	// Unknown related ids produce no edges.
	recs, err := s.Related("b", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, recordIDs(recs))

	// The reciprocal id lands on the peer's record.
	recA, err := s.Get("a")
	require.NoError(t, err)
	assert.Contains(t, recA.Attrs.Relationships, "b")

	recs, err = s.Related("a", 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, recordIDs(recs))

	_, err = s.Related("ghost", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func recordIDs(recs []Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}

func TestSearchByContext(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "w1", []float32{1, 0, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "w2", []float32{0.9, 0.44, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "h1", []float32{0.99, 0.14, 0}, Attributes{Importance: 0.5, Context: "home"}))

	hits, err := s.SearchByContext(ctx, "work", []float32{1, 0, 0}, 5, SearchPolicy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, hitIDs(hits))

	hits, err = s.SearchByContext(ctx, "nowhere", []float32{1, 0, 0}, 5, SearchPolicy{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchByContextLargeContextUsesGraph(t *testing.T) {
	s := newTestStore(t, 3, func(c *config.StoreConfig) { c.ContextScanThreshold = 2 })
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 8; i++ {
		require.NoError(t, s.Insert(ctx, fmt.Sprintf("w%d", i), randomUnitVec(rng, 3), Attributes{Importance: 0.5, Context: "work"}))
	}
	require.NoError(t, s.Insert(ctx, "other", randomUnitVec(rng, 3), Attributes{Importance: 0.5, Context: "home"}))

	hits, err := s.SearchByContext(ctx, "work", []float32{1, 0, 0}, 20, SearchPolicy{})
	require.NoError(t, err)
	assert.Len(t, hits, 8)
	assert.NotContains(t, hitIDs(hits), "other")
}

func TestSearchContextFilterPolicy(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "w1", []float32{1, 0, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "h1", []float32{0.99, 0.14, 0}, Attributes{Importance: 0.5, Context: "home"}))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 5, SearchPolicy{Context: "home"})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hitIDs(hits))
}

func TestMonotoneDecay(t *testing.T) {
	s, clock := newTestStoreWithClock(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.9}))

	prev := float32(0.9)
	for i := 0; i < 3; i++ {
		clock.Advance(7 * 24 * time.Hour)
		s.Cleanup(ctx)
		rec, err := s.Get("a")
		require.NoError(t, err)
		assert.LessOrEqual(t, rec.Attrs.Importance, prev)
		prev = rec.Attrs.Importance
	}
	// One half-life per step.
	assert.InDelta(t, 0.9/8, float64(prev), 0.01)
}

func TestCleanupEviction(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Insert(ctx, fmt.Sprintf("r%03d", i), randomUnitVec(rng, 3), Attributes{Importance: 1e-4}))
	}

	rep := s.Cleanup(ctx)
	assert.Len(t, rep.Evicted, 100)
	assert.Empty(t, rep.Errors)
	assert.Equal(t, 0, s.Len())

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, SearchPolicy{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCleanupMaxRecordsCap(t *testing.T) {
	s := newTestStore(t, 3, func(c *config.StoreConfig) { c.MaxRecords = 5 })
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))

	for i := 0; i < 10; i++ {
		importance := float32(i+1) / 10
		require.NoError(t, s.Insert(ctx, fmt.Sprintf("r%d", i), randomUnitVec(rng, 3), Attributes{Importance: importance}))
	}

	rep := s.Cleanup(ctx)
	assert.Len(t, rep.CapacityEvicted, 5)
	assert.Equal(t, 5, s.Len())

	// The five least important records go first.
	for i := 0; i < 5; i++ {
		_, err := s.Get(fmt.Sprintf("r%d", i))
		assert.ErrorIs(t, err, ErrNotFound)
	}
	for i := 5; i < 10; i++ {
		_, err := s.Get(fmt.Sprintf("r%d", i))
		assert.NoError(t, err)
	}
}

func TestDeleteContext(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "w1", []float32{1, 0, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "w2", []float32{0, 1, 0}, Attributes{Importance: 0.5, Context: "work"}))
	require.NoError(t, s.Insert(ctx, "h1", []float32{0, 0, 1}, Attributes{Importance: 0.5, Context: "home"}))

	removed := s.DeleteContext("work")
	assert.Equal(t, []string{"w1", "w2"}, removed)
	assert.Equal(t, 1, s.Len())

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 5, SearchPolicy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, hitIDs(hits))
}

func TestTouchAndUpdateImportance(t *testing.T) {
	s, clock := newTestStoreWithClock(t, 3, nil)
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.5}))

	clock.Advance(time.Minute)
	require.NoError(t, s.Touch("a"))
	rec, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), rec.Attrs.AccessCount)
	assert.Equal(t, fixedNow.Add(time.Minute), rec.Attrs.LastAccessed)

	require.NoError(t, s.UpdateImportance("a", 0.9))
	rec, err = s.Get("a")
	require.NoError(t, err)
	assert.InDelta(t, 0.9, float64(rec.Attrs.Importance), 1e-6)

	assert.ErrorIs(t, s.Touch("ghost"), ErrNotFound)
	assert.ErrorIs(t, s.UpdateImportance("ghost", 0.5), ErrNotFound)
}

func TestFrequencyBoostPolicy(t *testing.T) {
	s := newTestStore(t, 3, nil)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, "quiet", []float32{1, 0, 0}, Attributes{Importance: 0.3}))
	require.NoError(t, s.Insert(ctx, "busy", []float32{0.99, 0.14, 0}, Attributes{Importance: 0.3}))
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Touch("busy"))
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 2, SearchPolicy{TemporalWeight: Weight(0.5), FrequencyBoost: true})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "busy", hits[0].ID, "access count outweighs a small distance edge")

	hits, err = s.Search(ctx, []float32{1, 0, 0}, 2, SearchPolicy{TemporalWeight: Weight(0)})
	require.NoError(t, err)
	assert.Equal(t, "quiet", hits[0].ID)
}
