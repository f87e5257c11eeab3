package store

import (
	"fmt"
	"sort"
)

// ContextSummary describes one context at a glance.
type ContextSummary struct {
	Context        string
	Records        int
	MeanImportance float32
	// Centroid is the component-wise mean of the member vectors.
	Centroid []float32
	// TopRelated lists up to five relationship peers by reference count.
	TopRelated []string
}

// ContextSummary summarizes a context. Unknown contexts return ErrNotFound.
func (s *Store) ContextSummary(contextName string) (ContextSummary, error) {
	ids := s.rel.ContextScan(contextName)
	if len(ids) == 0 {
		return ContextSummary{}, fmt.Errorf("%w: context %q", ErrNotFound, contextName)
	}

	acc := make([]float64, s.cfg.Dimensions)
	var importanceSum float64
	refs := make(map[string]int)
	n := 0
	for _, id := range ids {
		rec, err := s.records.Get(id)
		if err != nil {
			continue
		}
		n++
		importanceSum += float64(rec.Attrs.Importance)
		for i, v := range rec.Data {
			acc[i] += float64(v)
		}
		for _, peer := range s.rel.Neighbors(id) {
			refs[peer]++
		}
	}
	if n == 0 {
		return ContextSummary{}, fmt.Errorf("%w: context %q", ErrNotFound, contextName)
	}

	centroid := make([]float32, len(acc))
	for i, v := range acc {
		centroid[i] = float32(v / float64(n))
	}

	type ref struct {
		id    string
		count int
	}
	ranked := make([]ref, 0, len(refs))
	for id, count := range refs {
		ranked = append(ranked, ref{id: id, count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	top := make([]string, len(ranked))
	for i, r := range ranked {
		top[i] = r.id
	}

	return ContextSummary{
		Context:        contextName,
		Records:        n,
		MeanImportance: float32(importanceSum / float64(n)),
		Centroid:       centroid,
		TopRelated:     top,
	}, nil
}

// Stats is a point-in-time view of the whole store.
type Stats struct {
	Records        int
	// CapacityUsed is the fraction of max_records in use; zero when the
	// cap is disabled.
	CapacityUsed   float64
	MeanImportance float32
	Contexts       map[string]int
	// TopConnected lists up to ten ids by relationship degree.
	TopConnected []string
}

// Stats returns store-wide statistics.
func (s *Store) Stats() Stats {
	var importanceSum float64
	n := 0
	s.records.ForEach(func(rec Record) bool {
		importanceSum += float64(rec.Attrs.Importance)
		n++
		return true
	})

	st := Stats{
		Records:      n,
		Contexts:     s.rel.Contexts(),
		TopConnected: s.rel.TopConnected(10),
	}
	if n > 0 {
		st.MeanImportance = float32(importanceSum / float64(n))
	}
	if s.cfg.MaxRecords > 0 {
		st.CapacityUsed = float64(n) / float64(s.cfg.MaxRecords)
	}
	return st
}

// ImportantRecords returns every record at or above the importance
// threshold, by descending importance then id.
func (s *Store) ImportantRecords(threshold float32) []Record {
	var out []Record
	s.records.ForEach(func(rec Record) bool {
		if rec.Attrs.Importance >= threshold {
			out = append(out, rec)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Attrs.Importance != out[j].Attrs.Importance {
			return out[i].Attrs.Importance > out[j].Attrs.Importance
		}
		return out[i].ID < out[j].ID
	})
	return out
}
