package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/tempovec/internal/metric"
)

// Index is a concurrent multi-layer proximity graph.
type Index struct {
	cfg       Config
	metric    *metric.Metric
	levelMult float64

	mu    sync.RWMutex
	nodes map[string]*node

	entry atomic.Pointer[entryPoint]

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Result is one search hit.
type Result struct {
	ID       string
	Distance float32
}

// New creates an empty index.
func New(cfg Config, m *metric.Metric) (*Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hnsw config: %w", err)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Index{
		cfg:       cfg,
		metric:    m,
		levelMult: cfg.levelMultiplier(),
		nodes:     make(map[string]*node),
		rng:       rand.New(rand.NewSource(seed)),
	}, nil
}

// Config returns the construction parameters.
func (idx *Index) Config() Config { return idx.cfg }

// Len returns the number of non-tombstoned nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, nd := range idx.nodes {
		if !nd.deleted.Load() {
			n++
		}
	}
	return n
}

// Contains reports whether id exists and is not tombstoned.
func (idx *Index) Contains(id string) bool {
	nd := idx.getNode(id)
	return nd != nil && !nd.deleted.Load()
}

// Delete tombstones a node. Its edges remain usable as traversal waypoints
// and the entry point is kept even when it is the tombstoned node.
func (idx *Index) Delete(id string) error {
	nd := idx.getNode(id)
	if nd == nil || nd.deleted.Load() {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	nd.deleted.Store(true)
	return nil
}

// Entry returns the current entry point, if any.
func (idx *Index) Entry() (id string, layer int, ok bool) {
	ep := idx.entry.Load()
	if ep == nil {
		return "", 0, false
	}
	return ep.id, ep.layer, true
}

func (idx *Index) getNode(id string) *node {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.nodes[id]
}

// randomLayer draws from the geometric layer distribution
// floor(-ln(u) * levelMult) for uniform u in (0, 1].
func (idx *Index) randomLayer() int {
	idx.rngMu.Lock()
	u := 1 - idx.rng.Float64()
	idx.rngMu.Unlock()
	return int(math.Floor(-math.Log(u) * idx.levelMult))
}

// lockPair acquires both node locks in ascending id order with a bounded
// number of attempts. Returns false once the retry budget is exhausted.
func (idx *Index) lockPair(a, b *node) bool {
	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	for attempt := 0; attempt < idx.cfg.MaxRetries; attempt++ {
		if first.mu.TryLock() {
			if second.mu.TryLock() {
				return true
			}
			first.mu.Unlock()
		}
		runtime.Gosched()
	}
	return false
}

func unlockPair(a, b *node) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// ForEachNode visits every node with its vector, top layer, per-layer
// neighbor lists, and tombstone state. Tombstoned nodes are included so
// snapshots keep them as traversal waypoints.
func (idx *Index) ForEachNode(fn func(id string, vec []float32, layer int, neighbors [][]string, deleted bool) bool) {
	idx.mu.RLock()
	all := make([]*node, 0, len(idx.nodes))
	for _, nd := range idx.nodes {
		all = append(all, nd)
	}
	idx.mu.RUnlock()

	for _, nd := range all {
		neighbors := make([][]string, nd.layer+1)
		nd.mu.RLock()
		for l := 0; l <= nd.layer; l++ {
			ids := make([]string, 0, len(nd.neighbors[l]))
			for id := range nd.neighbors[l] {
				ids = append(ids, id)
			}
			neighbors[l] = ids
		}
		nd.mu.RUnlock()
		if !fn(nd.id, nd.vec, nd.layer, neighbors, nd.deleted.Load()) {
			return
		}
	}
}

// RestoreNode installs a node with its edges verbatim, bypassing graph
// construction. Edge lists must be symmetric across the whole restore;
// edges referencing nodes restored later become visible as those nodes
// arrive. The caller finishes with SetEntry.
func (idx *Index) RestoreNode(id string, vec []float32, layer int, neighbors [][]string) error {
	if len(neighbors) != layer+1 {
		return fmt.Errorf("neighbor lists (%d) do not match layer %d", len(neighbors), layer)
	}
	nd := newNode(id, append([]float32(nil), vec...), layer)
	for l, ids := range neighbors {
		for _, nid := range ids {
			nd.neighbors[l][nid] = struct{}{}
		}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.nodes[id]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
	}
	idx.nodes[id] = nd
	return nil
}

// SetEntry forces the entry point. Used after restore.
func (idx *Index) SetEntry(id string, layer int) error {
	if idx.getNode(id) == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	idx.entry.Store(&entryPoint{id: id, layer: layer})
	return nil
}

// removeNode physically unlinks and deletes a node. Used to roll back a
// failed insert and to recycle a tombstoned id on re-insert.
func (idx *Index) removeNode(nd *node) {
	for l := 0; l <= nd.layer; l++ {
		for {
			nd.mu.RLock()
			var peerID string
			for id := range nd.neighbors[l] {
				peerID = id
				break
			}
			nd.mu.RUnlock()
			if peerID == "" {
				break
			}
			peer := idx.getNode(peerID)
			if peer == nil {
				nd.mu.Lock()
				delete(nd.neighbors[l], peerID)
				nd.mu.Unlock()
				continue
			}
			if !idx.lockPair(nd, peer) {
				// Last resort under teardown: take blocking locks in order.
				first, second := nd, peer
				if second.id < first.id {
					first, second = second, first
				}
				first.mu.Lock()
				second.mu.Lock()
			}
			delete(nd.neighbors[l], peerID)
			if l <= peer.layer {
				delete(peer.neighbors[l], nd.id)
			}
			unlockPair(nd, peer)
		}
	}
	idx.mu.Lock()
	delete(idx.nodes, nd.id)
	idx.mu.Unlock()
}
