package store

import (
	"fmt"
	"io"
	"sort"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/snapshot"
)

// Snapshot writes the store's full logical content to w as a versioned
// binary blob. Tombstoned graph nodes are included so the restored graph
// traverses the same waypoints.
func (s *Store) Snapshot(w io.Writer) error {
	snap := &snapshot.Snapshot{
		Dim:    uint32(s.cfg.Dimensions),
		Metric: s.metric.Kind(),
	}

	s.records.ForEach(func(rec Record) bool {
		snap.Records = append(snap.Records, rec)
		return true
	})
	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].ID < snap.Records[j].ID
	})

	s.index.ForEachNode(func(id string, vec []float32, layer int, neighbors [][]string, deleted bool) bool {
		for l := range neighbors {
			sort.Strings(neighbors[l])
		}
		nd := snapshot.Node{ID: id, Layer: layer, Neighbors: neighbors, Deleted: deleted}
		if deleted {
			nd.Data = append([]float32(nil), vec...)
		}
		snap.Nodes = append(snap.Nodes, nd)
		return true
	})
	sort.Slice(snap.Nodes, func(i, j int) bool {
		return snap.Nodes[i].ID < snap.Nodes[j].ID
	})

	if id, layer, ok := s.index.Entry(); ok {
		snap.Entry = &snapshot.Entry{ID: id, Layer: layer}
	}

	if err := snap.Encode(w); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Restore builds a store from a snapshot. Dimensions and metric come from
// the blob and override the corresponding config fields.
func Restore(r io.Reader, cfg config.StoreConfig, opts ...Option) (*Store, error) {
	snap, err := snapshot.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	cfg.Dimensions = int(snap.Dim)
	cfg.Metric = string(snap.Metric)
	s, err := Open(cfg, opts...)
	if err != nil {
		return nil, err
	}

	for i := range snap.Records {
		if err := s.records.Put(snap.Records[i].Clone()); err != nil {
			return nil, fmt.Errorf("%w: record %q: %v", ErrStorage, snap.Records[i].ID, err)
		}
	}

	for _, nd := range snap.Nodes {
		vec := nd.Data
		if !nd.Deleted {
			v, ok := s.records.Vector(nd.ID)
			if !ok {
				return nil, fmt.Errorf("%w: node %q has no record", ErrStorage, nd.ID)
			}
			vec = v
		}
		if err := s.index.RestoreNode(nd.ID, vec, nd.Layer, nd.Neighbors); err != nil {
			return nil, fmt.Errorf("%w: node %q: %v", ErrStorage, nd.ID, err)
		}
		if nd.Deleted {
			_ = s.index.Delete(nd.ID)
		}
	}
	if snap.Entry != nil {
		if err := s.index.SetEntry(snap.Entry.ID, snap.Entry.Layer); err != nil {
			return nil, fmt.Errorf("%w: entry point: %v", ErrStorage, err)
		}
	}

	for i := range snap.Records {
		rec := &snap.Records[i]
		if err := s.rel.Register(rec.ID, rec.Attrs.Context, nil); err != nil {
			return nil, fmt.Errorf("%w: register %q: %v", ErrStorage, rec.ID, err)
		}
	}
	for i := range snap.Records {
		rec := &snap.Records[i]
		for _, peer := range rec.Attrs.Relationships {
			// Peers evicted before the snapshot stay absent.
			_ = s.rel.Relate(rec.ID, peer)
		}
	}

	recordsGauge.Set(float64(s.records.Len()))
	return s, nil
}
