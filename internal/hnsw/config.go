// Package hnsw implements a Hierarchical Navigable Small World proximity
// graph supporting concurrent insertion and search.
//
// Neighbor lists are guarded by per-node read-write locks acquired in
// ascending id order; the entry point is a single atomic reference updated
// by compare-and-swap. Deleted nodes are tombstoned: their edges remain
// usable as traversal waypoints but they are never returned from a search.
package hnsw

import (
	"errors"
	"fmt"
	"math"
)

// Sentinel errors for index operations.
var (
	// ErrAlreadyExists is returned when inserting a duplicate id.
	ErrAlreadyExists = errors.New("node already exists")

	// ErrNotFound is returned when an id is absent from the graph.
	ErrNotFound = errors.New("node not found")

	// ErrTransientConflict is returned when neighbor-list locks could not
	// be acquired within the retry budget. The operation can be retried.
	ErrTransientConflict = errors.New("transient lock conflict")
)

// Defaults for graph parameters.
const (
	DefaultM              = 16
	DefaultEfConstruction = 100
	DefaultEfSearch       = 50
	DefaultMaxRetries     = 8
)

// Config holds the graph construction parameters.
type Config struct {
	// M is the target neighbor degree per node per layer. Layer 0 allows
	// up to 2*M neighbors.
	M int

	// EfConstruction is the candidate-pool width used during insertion.
	EfConstruction int

	// EfSearch is the default candidate-pool width used during queries.
	EfSearch int

	// MaxRetries bounds lock-acquisition retries before an edge update
	// fails with ErrTransientConflict.
	MaxRetries int

	// Seed seeds the layer-assignment RNG. Zero means a random seed.
	Seed int64
}

// NewDefaultConfig returns the standard parameters (M=16, efC=100, ef=50).
func NewDefaultConfig() Config {
	return Config{
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
		MaxRetries:     DefaultMaxRetries,
	}
}

// Validate checks the parameters.
func (c Config) Validate() error {
	if c.M < 2 {
		return fmt.Errorf("m must be >= 2, got %d", c.M)
	}
	if c.EfConstruction < 1 {
		return fmt.Errorf("ef_construction must be >= 1, got %d", c.EfConstruction)
	}
	if c.EfSearch < 1 {
		return fmt.Errorf("ef_search must be >= 1, got %d", c.EfSearch)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1, got %d", c.MaxRetries)
	}
	return nil
}

// maxDegree returns the degree bound for a layer.
func (c Config) maxDegree(layer int) int {
	if layer == 0 {
		return 2 * c.M
	}
	return c.M
}

// levelMultiplier returns 1/ln(M), the scale of the geometric layer draw.
func (c Config) levelMultiplier() float64 {
	return 1 / math.Log(float64(c.M))
}
