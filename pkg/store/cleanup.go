package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/metric"
)

// CleanupReport summarizes one cleanup pass. Errors never block reads or
// writes; they are collected here.
type CleanupReport struct {
	// Evicted lists records whose decayed importance fell below the floor.
	Evicted []string
	// CapacityEvicted lists records removed to get under max_records.
	CapacityEvicted []string
	// Reindexed counts records that were stored but missing from the graph
	// and have now been indexed.
	Reindexed int
	Errors    []error
}

// Cleanup applies importance decay, evicts records below the eviction
// floor, enforces the max-records cap, and indexes any record the graph
// missed.
func (s *Store) Cleanup(ctx context.Context) CleanupReport {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store.Cleanup")
	defer func() {
		span.End()
		sec := time.Since(start).Seconds()
		cleanupDuration.Observe(sec)
		if s.cleanupLatency != nil {
			s.cleanupLatency.Record(ctx, sec)
		}
	}()

	var rep CleanupReport
	now := s.now()

	for _, id := range s.records.DecayStep(now, float32(s.cfg.EvictionFloor)) {
		if err := s.removeEverywhere(id); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("evict %q: %w", id, err))
			continue
		}
		rep.Evicted = append(rep.Evicted, id)
	}

	if s.cfg.MaxRecords > 0 && s.records.Len() > s.cfg.MaxRecords {
		type weighted struct {
			id         string
			importance float32
		}
		var all []weighted
		s.records.ForEach(func(rec Record) bool {
			all = append(all, weighted{id: rec.ID, importance: rec.Attrs.Importance})
			return true
		})
		sort.Slice(all, func(i, j int) bool {
			if all[i].importance != all[j].importance {
				return all[i].importance < all[j].importance
			}
			return all[i].id < all[j].id
		})
		for _, w := range all {
			if s.records.Len() <= s.cfg.MaxRecords {
				break
			}
			if err := s.removeEverywhere(w.id); err != nil {
				rep.Errors = append(rep.Errors, fmt.Errorf("cap evict %q: %w", w.id, err))
				continue
			}
			rep.CapacityEvicted = append(rep.CapacityEvicted, w.id)
		}
	}

	// Records stored during an insert whose indexing step failed.
	s.records.ForEach(func(rec Record) bool {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, mapErr(ctx.Err()))
			return false
		}
		if s.index.Contains(rec.ID) {
			return true
		}
		if err := s.index.Insert(ctx, rec.ID, rec.Data); err != nil {
			rep.Errors = append(rep.Errors, fmt.Errorf("reindex %q: %w", rec.ID, mapErr(err)))
			return true
		}
		if _, err := s.rel.Related(rec.ID, 1); err != nil {
			_ = s.rel.Register(rec.ID, rec.Attrs.Context, rec.Attrs.Relationships)
		}
		rep.Reindexed++
		return true
	})

	evicted := len(rep.Evicted) + len(rep.CapacityEvicted)
	evictionsTotal.Add(float64(evicted))
	recordsGauge.Set(float64(s.records.Len()))
	if evicted > 0 || rep.Reindexed > 0 || len(rep.Errors) > 0 {
		s.logger.Info(ctx, "cleanup pass",
			zap.Int("evicted", len(rep.Evicted)),
			zap.Int("capacity_evicted", len(rep.CapacityEvicted)),
			zap.Int("reindexed", rep.Reindexed),
			zap.Int("errors", len(rep.Errors)))
	}
	return rep
}

func (s *Store) removeEverywhere(id string) error {
	if err := s.records.Delete(id); err != nil {
		return mapErr(err)
	}
	_ = s.index.Delete(id)
	s.rel.Remove(id)
	return nil
}

// ConsolidateReport summarizes one consolidation pass over a context.
type ConsolidateReport struct {
	Context string
	// Merged lists the ids of the newly created merged records.
	Merged []string
	// Removed lists the original records collapsed into merged ones.
	Removed []string
}

// Consolidate collapses near-duplicate records within a context. Records
// whose distance to a cluster seed is below the threshold merge into one
// record whose vector is the importance-weighted mean and whose importance
// is the sum clamped to 1. A non-positive threshold uses the default.
func (s *Store) Consolidate(ctx context.Context, contextName string, threshold float32) (ConsolidateReport, error) {
	rep := ConsolidateReport{Context: contextName}
	if threshold <= 0 {
		threshold = float32(config.DefaultMergeThreshold)
	}

	var recs []Record
	for _, id := range s.rel.ContextScan(contextName) {
		if rec, err := s.records.Get(id); err == nil {
			recs = append(recs, rec)
		}
	}

	used := make(map[string]bool, len(recs))
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return rep, mapErr(err)
		}
		seed := recs[i]
		if used[seed.ID] {
			continue
		}
		cluster := []Record{seed}
		for j := i + 1; j < len(recs); j++ {
			if used[recs[j].ID] {
				continue
			}
			if s.metric.DistanceUnchecked(seed.Data, recs[j].Data) < threshold {
				cluster = append(cluster, recs[j])
				used[recs[j].ID] = true
			}
		}
		if len(cluster) < 2 {
			continue
		}
		used[seed.ID] = true

		merged, err := s.mergeCluster(cluster, contextName)
		if err != nil {
			return rep, err
		}
		for _, r := range cluster {
			if err := s.removeEverywhere(r.ID); err != nil {
				return rep, err
			}
			rep.Removed = append(rep.Removed, r.ID)
		}
		if err := s.Insert(ctx, merged.ID, merged.Data, merged.Attrs); err != nil {
			return rep, fmt.Errorf("insert merged record: %w", err)
		}
		rep.Merged = append(rep.Merged, merged.ID)
	}

	consolidationsTotal.Add(float64(len(rep.Merged)))
	if len(rep.Merged) > 0 {
		s.logger.Info(ctx, "consolidated context",
			zap.String("context", contextName),
			zap.Int("merged", len(rep.Merged)),
			zap.Int("removed", len(rep.Removed)))
	}
	return rep, nil
}

// mergeCluster builds the replacement record for a cluster. Relationship
// edges of every member transfer to the merged record.
func (s *Store) mergeCluster(cluster []Record, contextName string) (Record, error) {
	dim := s.cfg.Dimensions
	inCluster := make(map[string]bool, len(cluster))
	for _, r := range cluster {
		inCluster[r.ID] = true
	}

	var weightSum float64
	for _, r := range cluster {
		weightSum += float64(r.Attrs.Importance)
	}

	acc := make([]float64, dim)
	var importanceSum float32
	var accessSum uint64
	createdAt := cluster[0].Attrs.CreatedAt
	lastAccessed := cluster[0].Attrs.LastAccessed
	relSet := make(map[string]struct{})
	meta := make(map[string]string)

	for _, r := range cluster {
		w := float64(r.Attrs.Importance)
		if weightSum == 0 {
			w = 1
		}
		for i, v := range r.Data {
			acc[i] += w * float64(v)
		}
		importanceSum += r.Attrs.Importance
		accessSum += uint64(r.Attrs.AccessCount)
		if r.Attrs.CreatedAt.Before(createdAt) {
			createdAt = r.Attrs.CreatedAt
		}
		if r.Attrs.LastAccessed.After(lastAccessed) {
			lastAccessed = r.Attrs.LastAccessed
		}
		for _, peer := range s.rel.Neighbors(r.ID) {
			if !inCluster[peer] {
				relSet[peer] = struct{}{}
			}
		}
		for k, v := range r.Attrs.Metadata {
			if _, ok := meta[k]; !ok {
				meta[k] = v
			}
		}
	}

	vec := make([]float32, dim)
	if s.metric.NeedsNormalization() {
		for i := range vec {
			vec[i] = float32(acc[i])
		}
		if err := metric.Normalize(vec); err != nil {
			return Record{}, fmt.Errorf("%w: degenerate merged vector: %v", ErrInternal, err)
		}
	} else {
		div := weightSum
		if div == 0 {
			div = float64(len(cluster))
		}
		for i := range vec {
			vec[i] = float32(acc[i] / div)
		}
	}

	if importanceSum > 1 {
		importanceSum = 1
	}
	relationships := make([]string, 0, len(relSet))
	for peer := range relSet {
		relationships = append(relationships, peer)
	}
	sort.Strings(relationships)
	if len(meta) == 0 {
		meta = nil
	}

	// DecayRate carries over from the most important member.
	decayRate := cluster[0].Attrs.DecayRate
	best := cluster[0].Attrs.Importance
	for _, r := range cluster[1:] {
		if r.Attrs.Importance > best {
			best = r.Attrs.Importance
			decayRate = r.Attrs.DecayRate
		}
	}

	return Record{
		ID:   uuid.NewString(),
		Data: vec,
		Attrs: Attributes{
			CreatedAt:     createdAt,
			LastAccessed:  lastAccessed,
			AccessCount:   clampUint32(accessSum),
			Importance:    importanceSum,
			Context:       contextName,
			DecayRate:     decayRate,
			Relationships: relationships,
			Metadata:      meta,
		},
	}, nil
}

func clampUint32(v uint64) uint32 {
	if v > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(v)
}
