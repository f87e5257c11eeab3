package hnsw

import (
	"context"
	"sort"
)

// Search returns the k nearest non-tombstoned ids to q by raw geometric
// distance. ef bounds the layer-0 candidate pool; a non-positive ef uses the
// configured EfSearch, and values below k are raised to k. accept, when non-nil, further restricts which ids may appear in the
// result; rejected nodes are still traversed. Searching an empty graph
// returns an empty result.
func (idx *Index) Search(ctx context.Context, q []float32, k, ef int, accept func(id string) bool) ([]Result, error) {
	if k <= 0 {
		return []Result{}, nil
	}
	ep := idx.entry.Load()
	if ep == nil {
		return []Result{}, nil
	}
	if ef <= 0 {
		ef = idx.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	epNode := idx.getNode(ep.id)
	if epNode == nil {
		return []Result{}, nil
	}
	cur := candidate{id: ep.id, dist: idx.metric.DistanceUnchecked(q, epNode.vec)}

	for l := ep.layer; l >= 1; l-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur = idx.greedyDescend(q, cur, l)
	}

	results, err := idx.searchLayer(ctx, q, []candidate{cur}, ef, 0, func(id string) bool {
		nd := idx.getNode(id)
		if nd == nil || nd.deleted.Load() {
			return false
		}
		return accept == nil || accept(id)
	})
	if err != nil {
		return nil, err
	}

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Result, len(results))
	for i, c := range results {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

// greedyDescend moves to the closest neighbor at the given layer until no
// neighbor improves on the current position (an ef=1 search).
func (idx *Index) greedyDescend(q []float32, cur candidate, layer int) candidate {
	for {
		nd := idx.getNode(cur.id)
		if nd == nil {
			return cur
		}
		improved := false
		for _, nid := range nd.neighborsAt(layer) {
			peer := idx.getNode(nid)
			if peer == nil {
				continue
			}
			d := idx.metric.DistanceUnchecked(q, peer.vec)
			if d < cur.dist {
				cur = candidate{id: nid, dist: d}
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer runs the ef-bounded best-first expansion at one layer.
// It maintains a min-heap of candidates to expand and a max-heap of the
// best ef acceptable results, stopping when the nearest unexpanded
// candidate is farther than the worst retained result. The returned slice
// is sorted by ascending distance.
func (idx *Index) searchLayer(ctx context.Context, q []float32, entries []candidate, ef, layer int, acceptable func(id string) bool) ([]candidate, error) {
	visited := make(map[string]struct{}, ef*4)
	var toExpand minQueue
	var best maxQueue

	for _, e := range entries {
		if _, ok := visited[e.id]; ok {
			continue
		}
		visited[e.id] = struct{}{}
		pushMin(&toExpand, e)
		if acceptable == nil || acceptable(e.id) {
			pushMax(&best, e)
			if best.Len() > ef {
				popMax(&best)
			}
		}
	}

	for toExpand.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := popMin(&toExpand)
		if best.Len() >= ef && c.dist > best[0].dist {
			break
		}
		nd := idx.getNode(c.id)
		if nd == nil {
			continue
		}
		for _, nid := range nd.neighborsAt(layer) {
			if _, ok := visited[nid]; ok {
				continue
			}
			visited[nid] = struct{}{}
			peer := idx.getNode(nid)
			if peer == nil {
				continue
			}
			d := idx.metric.DistanceUnchecked(q, peer.vec)
			if best.Len() < ef || d < best[0].dist {
				pushMin(&toExpand, candidate{id: nid, dist: d})
				if acceptable == nil || acceptable(nid) {
					pushMax(&best, candidate{id: nid, dist: d})
					if best.Len() > ef {
						popMax(&best)
					}
				}
			}
		}
	}

	out := make([]candidate, len(best))
	copy(out, best)
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out, nil
}
