// Package relation maintains the secondary indexes over stored ids: a
// symmetric relationship graph and per-context membership in insertion
// order. It knows nothing about vectors; ids are registered and removed
// by the store facade.
package relation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("id not registered")

// Index is safe for concurrent use.
type Index struct {
	mu sync.RWMutex

	// seq records insertion order; it only grows.
	seq  map[string]uint64
	next uint64

	rel map[string]map[string]struct{}

	// ctx keeps members in insertion order; ctxMember mirrors it for
	// O(1) lookups.
	ctx       map[string][]string
	ctxMember map[string]map[string]struct{}

	// byID remembers each id's context for removal.
	byID map[string]string
}

func NewIndex() *Index {
	return &Index{
		seq:       make(map[string]uint64),
		rel:       make(map[string]map[string]struct{}),
		ctx:       make(map[string][]string),
		ctxMember: make(map[string]map[string]struct{}),
		byID:      make(map[string]string),
	}
}

// Register adds an id under a context and links it to every already
// registered id in related. Unknown related ids are skipped. Context
// membership is immutable after registration.
func (x *Index) Register(id, context string, related []string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.seq[id]; ok {
		return fmt.Errorf("%q already registered", id)
	}
	x.next++
	x.seq[id] = x.next
	x.rel[id] = make(map[string]struct{})
	x.byID[id] = context

	x.ctx[context] = append(x.ctx[context], id)
	members, ok := x.ctxMember[context]
	if !ok {
		members = make(map[string]struct{})
		x.ctxMember[context] = members
	}
	members[id] = struct{}{}

	for _, other := range related {
		if other == id {
			continue
		}
		if _, ok := x.seq[other]; !ok {
			continue
		}
		x.rel[id][other] = struct{}{}
		x.rel[other][id] = struct{}{}
	}
	return nil
}

// Relate installs the symmetric edge (a, b).
func (x *Index) Relate(a, b string) error {
	if a == b {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range [2]string{a, b} {
		if _, ok := x.seq[id]; !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
	}
	x.rel[a][b] = struct{}{}
	x.rel[b][a] = struct{}{}
	return nil
}

// Related returns the ids reachable from id in at most maxDepth hops,
// excluding id itself, ordered by registration order then id. maxDepth
// below 1 is treated as 1.
func (x *Index) Related(id string, maxDepth int) ([]string, error) {
	if maxDepth < 1 {
		maxDepth = 1
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if _, ok := x.seq[id]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	visited := map[string]struct{}{id: {}}
	frontier := []string{id}
	var reachable []string
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var nextFrontier []string
		for _, cur := range frontier {
			for peer := range x.rel[cur] {
				if _, ok := visited[peer]; ok {
					continue
				}
				visited[peer] = struct{}{}
				reachable = append(reachable, peer)
				nextFrontier = append(nextFrontier, peer)
			}
		}
		frontier = nextFrontier
	}

	sort.Slice(reachable, func(i, j int) bool {
		si, sj := x.seq[reachable[i]], x.seq[reachable[j]]
		if si != sj {
			return si < sj
		}
		return reachable[i] < reachable[j]
	})
	return reachable, nil
}

// Neighbors returns the direct relationships of id.
func (x *Index) Neighbors(id string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	edges := x.rel[id]
	out := make([]string, 0, len(edges))
	for peer := range edges {
		out = append(out, peer)
	}
	sort.Strings(out)
	return out
}

// Degree returns the number of direct relationships of id.
func (x *Index) Degree(id string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.rel[id])
}

// ContextScan returns the members of a context in insertion order. An
// unknown context yields an empty slice.
func (x *Index) ContextScan(context string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return append([]string(nil), x.ctx[context]...)
}

// ContextSize returns the member count of a context.
func (x *Index) ContextSize(context string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ctx[context])
}

// InContext reports whether id belongs to the context.
func (x *Index) InContext(id, context string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	members, ok := x.ctxMember[context]
	if !ok {
		return false
	}
	_, ok = members[id]
	return ok
}

// Contexts returns every context with its member count.
func (x *Index) Contexts() map[string]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]int, len(x.ctx))
	for c, ids := range x.ctx {
		out[c] = len(ids)
	}
	return out
}

// TopConnected returns up to n ids with the most direct relationships,
// by descending degree then ascending id.
func (x *Index) TopConnected(n int) []string {
	if n <= 0 {
		return nil
	}
	x.mu.RLock()
	type entry struct {
		id     string
		degree int
	}
	all := make([]entry, 0, len(x.rel))
	for id, edges := range x.rel {
		all = append(all, entry{id: id, degree: len(edges)})
	}
	x.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].degree != all[j].degree {
			return all[i].degree > all[j].degree
		}
		return all[i].id < all[j].id
	})
	if len(all) > n {
		all = all[:n]
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.id
	}
	return out
}

// Remove drops an id, its edges, and its context membership.
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id string) {
	if _, ok := x.seq[id]; !ok {
		return
	}
	for peer := range x.rel[id] {
		delete(x.rel[peer], id)
	}
	delete(x.rel, id)
	delete(x.seq, id)

	context := x.byID[id]
	delete(x.byID, id)
	if members, ok := x.ctxMember[context]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(x.ctxMember, context)
			delete(x.ctx, context)
			return
		}
	}
	ids := x.ctx[context]
	for i, cur := range ids {
		if cur == id {
			x.ctx[context] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// RemoveContext drops a whole context and returns its former members in
// insertion order.
func (x *Index) RemoveContext(context string) []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	ids := append([]string(nil), x.ctx[context]...)
	for _, id := range ids {
		x.removeLocked(id)
	}
	return ids
}

// Len returns the number of registered ids.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.seq)
}
