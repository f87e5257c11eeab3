package hnsw

import (
	"sync"
	"sync/atomic"
)

// node is one graph vertex. The vector and top layer are immutable after
// creation; neighbor sets are guarded by mu.
type node struct {
	id    string
	vec   []float32
	layer int

	mu        sync.RWMutex
	neighbors []map[string]struct{} // index = layer, len = layer+1

	deleted atomic.Bool
}

func newNode(id string, vec []float32, layer int) *node {
	n := &node{
		id:        id,
		vec:       vec,
		layer:     layer,
		neighbors: make([]map[string]struct{}, layer+1),
	}
	for l := range n.neighbors {
		n.neighbors[l] = make(map[string]struct{})
	}
	return n
}

// neighborsAt copies the neighbor ids at a layer. Returns nil when the node
// does not reach the layer.
func (n *node) neighborsAt(layer int) []string {
	if layer > n.layer {
		return nil
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.neighbors[layer]))
	for id := range n.neighbors[layer] {
		out = append(out, id)
	}
	return out
}

// degree returns the neighbor count at a layer.
func (n *node) degree(layer int) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.neighbors[layer])
}

// entryPoint is the atomically swapped graph entry.
type entryPoint struct {
	id    string
	layer int
}
