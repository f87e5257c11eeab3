package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tempovec/internal/config"
)

func TestMaintainerRunOnceRateLimits(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStoreWithClock(t, 3, func(cfg *config.StoreConfig) {
		cfg.EvictionFloor = 1e-3
	})

	require.NoError(t, s.Insert(ctx, "fading", []float32{1, 0, 0}, Attributes{
		Importance: 0.002,
		DecayRate:  float32(config.DefaultBaseDecayRate),
	}))

	m := NewMaintainer(s, config.MaintenanceConfig{
		Interval: config.Duration(time.Hour),
	}, nil)

	// The first pass runs but nothing has decayed below the floor yet.
	m.RunOnce(ctx)
	assert.Equal(t, 1, s.Len())

	// Three weeks of decay pushes the record under the floor, but the
	// follow-up pass arrives inside the rate window and is dropped.
	clock.Advance(21 * 24 * time.Hour)
	m.RunOnce(ctx)
	assert.Equal(t, 1, s.Len())
}

func TestMaintainerRunOnceEvicts(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStoreWithClock(t, 3, func(cfg *config.StoreConfig) {
		cfg.EvictionFloor = 1e-3
	})

	require.NoError(t, s.Insert(ctx, "fading", []float32{1, 0, 0}, Attributes{
		Importance: 0.002,
		DecayRate:  float32(config.DefaultBaseDecayRate),
	}))
	clock.Advance(21 * 24 * time.Hour)

	m := NewMaintainer(s, config.MaintenanceConfig{
		Interval: config.Duration(time.Hour),
	}, nil)
	m.RunOnce(ctx)

	assert.Equal(t, 0, s.Len())
}

func TestMaintainerConsolidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3, nil)

	require.NoError(t, s.Insert(ctx, "a", []float32{1, 0, 0}, Attributes{Importance: 0.4, Context: "notes"}))
	require.NoError(t, s.Insert(ctx, "b", []float32{1, 0.001, 0}, Attributes{Importance: 0.4, Context: "notes"}))

	m := NewMaintainer(s, config.MaintenanceConfig{
		Interval:       config.Duration(time.Hour),
		Consolidate:    true,
		MergeThreshold: 0.05,
	}, nil)
	m.RunOnce(ctx)

	assert.Equal(t, 1, s.Len())
	_, err := s.Get("a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaintainerRunStopsOnCancel(t *testing.T) {
	s := newTestStore(t, 3, nil)
	m := NewMaintainer(s, config.MaintenanceConfig{Interval: config.Duration(time.Hour)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticks := make(chan time.Time)
	go func() {
		m.Run(ctx, ticks)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMaintainerRunStopsOnClosedTicks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 3, nil)

	require.NoError(t, s.Insert(ctx, "keep", []float32{1, 0, 0}, Attributes{Importance: 0.9}))

	m := NewMaintainer(s, config.MaintenanceConfig{Interval: config.Duration(time.Hour)}, nil)

	done := make(chan struct{})
	ticks := make(chan time.Time, 1)
	go func() {
		m.Run(ctx, ticks)
		close(done)
	}()

	ticks <- time.Now()
	close(ticks)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after ticks closed")
	}
}
