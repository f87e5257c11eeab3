package hnsw

import (
	"context"
	"fmt"
	"sort"
)

// Insert adds a vector to the graph. The vector must already be validated
// and, under cosine, normalized. The slice is copied.
//
// On context cancellation or a lock-retry budget overrun the partially
// linked node is unlinked again before the error is returned.
func (idx *Index) Insert(ctx context.Context, id string, vec []float32) error {
	layer := idx.randomLayer()
	nd := newNode(id, append([]float32(nil), vec...), layer)

	idx.mu.Lock()
	if existing, ok := idx.nodes[id]; ok {
		if !existing.deleted.Load() {
			idx.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
		}
		// Recycle the tombstoned id: unlink the stale node first.
		idx.mu.Unlock()
		idx.removeNode(existing)
		idx.mu.Lock()
		if _, ok := idx.nodes[id]; ok {
			idx.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrAlreadyExists, id)
		}
	}
	idx.nodes[id] = nd
	idx.mu.Unlock()

	// First node becomes the entry point.
	if idx.entry.CompareAndSwap(nil, &entryPoint{id: id, layer: layer}) {
		return nil
	}

	if err := idx.link(ctx, nd); err != nil {
		idx.removeNode(nd)
		return err
	}

	// Promote to entry point when the new node is taller.
	for {
		ep := idx.entry.Load()
		if ep != nil && layer <= ep.layer {
			break
		}
		if idx.entry.CompareAndSwap(ep, &entryPoint{id: id, layer: layer}) {
			break
		}
	}
	return nil
}

// link wires the new node into every layer it participates in.
func (idx *Index) link(ctx context.Context, nd *node) error {
	ep := idx.entry.Load()
	epNode := idx.getNode(ep.id)
	if epNode == nil {
		// Entry vanished under a concurrent teardown; nothing to link to.
		return nil
	}

	q := nd.vec
	cur := candidate{id: ep.id, dist: idx.metric.DistanceUnchecked(q, epNode.vec)}

	// Greedy descent through the layers above the new node.
	for l := ep.layer; l > nd.layer; l-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur = idx.greedyDescend(q, cur, l)
	}

	top := nd.layer
	if ep.layer < top {
		top = ep.layer
	}

	entries := []candidate{cur}
	for l := top; l >= 0; l-- {
		if err := ctx.Err(); err != nil {
			return err
		}
		pool, err := idx.searchLayer(ctx, q, entries, idx.cfg.EfConstruction, l, nil)
		if err != nil {
			return err
		}
		selected := idx.selectNeighbors(q, pool, idx.cfg.M, nd.id)

		for _, c := range selected {
			peer := idx.getNode(c.id)
			if peer == nil {
				continue
			}
			if err := idx.addEdge(nd, peer, l); err != nil {
				return err
			}
		}
		for _, c := range selected {
			if peer := idx.getNode(c.id); peer != nil {
				idx.pruneIfNeeded(peer, l)
			}
		}
		entries = pool
	}
	return nil
}

// selectNeighbors applies the diversity heuristic to a candidate pool
// sorted by ascending distance to the query: a candidate is accepted only
// if it is closer to the query than to every already-accepted neighbor.
func (idx *Index) selectNeighbors(q []float32, pool []candidate, m int, selfID string) []candidate {
	selected := make([]candidate, 0, m)
	for _, c := range pool {
		if len(selected) == m {
			break
		}
		if c.id == selfID {
			continue
		}
		cNode := idx.getNode(c.id)
		if cNode == nil {
			continue
		}
		diverse := true
		for _, s := range selected {
			sNode := idx.getNode(s.id)
			if sNode == nil {
				continue
			}
			if idx.metric.DistanceUnchecked(cNode.vec, sNode.vec) < c.dist {
				diverse = false
				break
			}
		}
		if diverse {
			selected = append(selected, c)
		}
	}
	return selected
}

// addEdge installs the bidirectional edge (a, b) at a layer both reach.
func (idx *Index) addEdge(a, b *node, layer int) error {
	if layer > a.layer || layer > b.layer {
		return nil
	}
	if !idx.lockPair(a, b) {
		return fmt.Errorf("%w: linking %q and %q at layer %d", ErrTransientConflict, a.id, b.id, layer)
	}
	a.neighbors[layer][b.id] = struct{}{}
	b.neighbors[layer][a.id] = struct{}{}
	unlockPair(a, b)
	return nil
}

// pruneIfNeeded shrinks a node's neighbor list back under the layer's
// degree bound using the same diversity heuristic, removing the reverse
// edge of every dropped neighbor to keep the graph symmetric.
func (idx *Index) pruneIfNeeded(nd *node, layer int) {
	bound := idx.cfg.maxDegree(layer)
	if nd.degree(layer) <= bound {
		return
	}

	current := nd.neighborsAt(layer)
	pool := make([]candidate, 0, len(current))
	for _, nid := range current {
		peer := idx.getNode(nid)
		if peer == nil {
			continue
		}
		pool = append(pool, candidate{id: nid, dist: idx.metric.DistanceUnchecked(nd.vec, peer.vec)})
	}
	sortCandidates(pool)

	keep := idx.selectNeighbors(nd.vec, pool, bound, nd.id)
	kept := make(map[string]struct{}, len(keep))
	for _, c := range keep {
		kept[c.id] = struct{}{}
	}

	for _, nid := range current {
		if _, ok := kept[nid]; ok {
			continue
		}
		peer := idx.getNode(nid)
		if peer == nil {
			continue
		}
		if !idx.lockPair(nd, peer) {
			// Leave the edge in place; the degree bound is restored on a
			// later prune.
			continue
		}
		delete(nd.neighbors[layer], nid)
		if layer <= peer.layer {
			delete(peer.neighbors[layer], nd.id)
		}
		unlockPair(nd, peer)
	}
}

func sortCandidates(cs []candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].dist != cs[j].dist {
			return cs[i].dist < cs[j].dist
		}
		return cs[i].id < cs[j].id
	})
}
