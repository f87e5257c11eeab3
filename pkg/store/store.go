// Package store is the public facade of the temporal vector store. It
// orchestrates the record store, the proximity graph, the relationship
// index, and the temporal scorer behind a single API.
package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tempovec/internal/config"
	"github.com/fyrsmithlabs/tempovec/internal/hnsw"
	"github.com/fyrsmithlabs/tempovec/internal/logging"
	"github.com/fyrsmithlabs/tempovec/internal/metric"
	"github.com/fyrsmithlabs/tempovec/internal/record"
	"github.com/fyrsmithlabs/tempovec/internal/relation"
	"github.com/fyrsmithlabs/tempovec/internal/telemetry"
	"github.com/fyrsmithlabs/tempovec/internal/temporal"
)

// Attributes is the temporal metadata attached to a vector.
type Attributes = record.Attributes

// Record pairs a vector with its attributes.
type Record = record.Record

// instrumentationName scopes the store's traces and OTEL instruments.
const instrumentationName = "github.com/fyrsmithlabs/tempovec/pkg/store"

// Store is a temporal-aware approximate-nearest-neighbor vector store.
// All methods are safe for concurrent use.
type Store struct {
	cfg    config.StoreConfig
	metric *metric.Metric
	scorer *temporal.Scorer

	records *record.Store
	index   *hnsw.Index
	rel     *relation.Index

	logger *logging.Logger
	tracer oteltrace.Tracer

	insertLatency  otelmetric.Float64Histogram
	searchLatency  otelmetric.Float64Histogram
	cleanupLatency otelmetric.Float64Histogram

	now func() time.Time
}

type options struct {
	logger *logging.Logger
	tel    *telemetry.Telemetry
	clock  func() time.Time
	seed   int64
}

// Option configures a Store at open time.
type Option func(*options)

// WithLogger attaches a logger. The default discards everything.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry attaches tracing and metrics providers.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = t }
}

// WithClock overrides the time source. Used by tests.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.clock = fn }
}

// WithSeed fixes the graph's layer-assignment seed. Used by tests.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// Open creates a store from the given configuration. Zero-valued fields
// take their defaults.
func Open(cfg config.StoreConfig, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	full := config.Config{Store: cfg}
	full.ApplyDefaults()
	if err := full.Validate(); err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	cfg = full.Store

	kind, err := metric.ParseKind(cfg.Metric)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	m, err := metric.New(kind)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	idx, err := hnsw.New(hnsw.Config{
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		MaxRetries:     hnsw.DefaultMaxRetries,
		Seed:           o.seed,
	}, m)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	clock := o.clock
	if clock == nil {
		clock = time.Now
	}
	logger := o.logger
	if logger == nil {
		logger = logging.Nop()
	}

	scorer := temporal.NewScorer(float32(cfg.TemporalWeight))
	scorer.FrequencyBoost = cfg.FrequencyBoost

	s := &Store{
		cfg:     cfg,
		metric:  m,
		scorer:  scorer,
		records: record.NewStore(clock()),
		index:   idx,
		rel:     relation.NewIndex(),
		logger:  logger.Named("store"),
		now:     clock,
	}

	if o.tel != nil {
		s.tracer = o.tel.Tracer(instrumentationName)
		s.initInstruments(o.tel.Meter(instrumentationName))
	} else {
		s.tracer = otel.Tracer(instrumentationName)
		s.initInstruments(otel.Meter(instrumentationName))
	}
	return s, nil
}

func (s *Store) initInstruments(meter otelmetric.Meter) {
	if h, err := meter.Float64Histogram("tempovec.store.insert.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Insert latency"),
	); err == nil {
		s.insertLatency = h
	}
	if h, err := meter.Float64Histogram("tempovec.store.search.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Search latency"),
	); err == nil {
		s.searchLatency = h
	}
	if h, err := meter.Float64Histogram("tempovec.store.cleanup.duration",
		otelmetric.WithUnit("s"),
		otelmetric.WithDescription("Cleanup pass latency"),
	); err == nil {
		s.cleanupLatency = h
	}
}

// Config returns the effective store configuration.
func (s *Store) Config() config.StoreConfig { return s.cfg }

// Len returns the number of live records.
func (s *Store) Len() int { return s.records.Len() }

// Contexts returns every context with its member count.
func (s *Store) Contexts() map[string]int { return s.rel.Contexts() }

// prepareVector validates a caller-supplied vector and returns a store-owned
// copy, normalized when the metric requires it.
func (s *Store) prepareVector(data []float32) ([]float32, error) {
	if len(data) != s.cfg.Dimensions {
		return nil, fmt.Errorf("%w: got %d components, store dimension is %d",
			ErrInvalidDimensions, len(data), s.cfg.Dimensions)
	}
	if err := metric.CheckFinite(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVector, err)
	}
	vec := append([]float32(nil), data...)
	if s.metric.NeedsNormalization() {
		if err := metric.Normalize(vec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidVector, err)
		}
	}
	return vec, nil
}

// Insert validates and stores a vector, indexes it, and registers its
// context and relationships. Relationships naming unknown ids are kept in
// the record but produce no edges.
//
// If the deadline expires or graph locks stay contended after the record
// was stored, the record is kept un-indexed and a later Cleanup indexes it.
func (s *Store) Insert(ctx context.Context, id string, data []float32, attrs Attributes) (err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store.Insert",
		oteltrace.WithAttributes(attribute.String("record.id", id)))
	defer func() {
		s.finishSpan(span, err)
		sec := time.Since(start).Seconds()
		insertDuration.Observe(sec)
		if s.insertLatency != nil {
			s.insertLatency.Record(ctx, sec)
		}
		if err != nil {
			insertsTotal.WithLabelValues(statusError).Inc()
		} else {
			insertsTotal.WithLabelValues(statusOK).Inc()
		}
	}()

	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidVector)
	}
	vec, err := s.prepareVector(data)
	if err != nil {
		return err
	}

	now := s.now()
	if attrs.CreatedAt.IsZero() {
		attrs.CreatedAt = now
	}
	if attrs.LastAccessed.IsZero() {
		attrs.LastAccessed = attrs.CreatedAt
	}
	if attrs.DecayRate == 0 {
		attrs.DecayRate = float32(s.cfg.BaseDecayRate)
	}
	rec := Record{ID: id, Data: vec, Attrs: attrs}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVector, err)
	}
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}

	if err := s.records.Put(rec); err != nil {
		return mapErr(err)
	}
	recordsGauge.Set(float64(s.records.Len()))

	if err := s.index.Insert(ctx, id, vec); err != nil {
		s.logger.Warn(ctx, "record stored but not indexed",
			zap.String("id", id), zap.Error(err))
		return mapErr(err)
	}

	if err := s.rel.Register(id, attrs.Context, attrs.Relationships); err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	for _, peer := range attrs.Relationships {
		if s.records.Has(peer) {
			_ = s.records.AddRelationship(peer, id)
		}
	}
	return nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Record, error) {
	rec, err := s.records.Get(id)
	if err != nil {
		return Record{}, mapErr(err)
	}
	return rec, nil
}

// Search returns the top k records for the query, ranked by the temporal
// score. Candidates are overfetched to max(k, ef) and re-ranked; returned
// ids have their access counters touched.
func (s *Store) Search(ctx context.Context, query []float32, k int, policy SearchPolicy) (hits []Hit, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store.Search",
		oteltrace.WithAttributes(attribute.Int("search.k", k)))
	defer func() {
		s.finishSpan(span, err)
		sec := time.Since(start).Seconds()
		searchDuration.Observe(sec)
		if s.searchLatency != nil {
			s.searchLatency.Record(ctx, sec)
		}
		if err != nil {
			searchesTotal.WithLabelValues(statusError).Inc()
		} else {
			searchesTotal.WithLabelValues(statusOK).Inc()
		}
	}()

	q, err := s.prepareVector(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	if !policy.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, policy.Deadline)
		defer cancel()
	}

	ef := s.cfg.EfSearch
	if policy.EfSearch > 0 {
		ef = policy.EfSearch
	}
	overfetch := k
	if overfetch < ef {
		overfetch = ef
	}

	var accept func(id string) bool
	if policy.Context != "" {
		want := policy.Context
		accept = func(id string) bool { return s.rel.InContext(id, want) }
	}

	raw, err := s.index.Search(ctx, q, overfetch, ef, accept)
	if err != nil {
		return nil, mapErr(err)
	}

	now := s.now()
	cands := make([]temporal.Candidate, 0, len(raw))
	for _, r := range raw {
		rec, err := s.records.Get(r.ID)
		if err != nil {
			// Deleted since the graph returned it.
			continue
		}
		cands = append(cands, temporal.Candidate{
			ID:           r.ID,
			Distance:     r.Distance,
			Importance:   rec.Attrs.Importance,
			DecayRate:    rec.Attrs.DecayRate,
			LastAccessed: rec.Attrs.LastAccessed,
			AccessCount:  rec.Attrs.AccessCount,
		})
	}

	s.scorerFor(policy).Rank(cands, now)
	if len(cands) > k {
		cands = cands[:k]
	}

	batch := record.NewTouchBatcher(s.records, record.DefaultBatchSize)
	hits = make([]Hit, len(cands))
	for i, c := range cands {
		hits[i] = Hit{ID: c.ID, Score: c.Score, Distance: c.Distance}
		batch.Add(c.ID, now)
	}
	batch.Flush()
	return hits, nil
}

// scorerFor returns the store scorer or a per-call override.
func (s *Store) scorerFor(policy SearchPolicy) *temporal.Scorer {
	if policy.TemporalWeight == nil && !policy.FrequencyBoost {
		return s.scorer
	}
	w := s.scorer.Weight
	if policy.TemporalWeight != nil {
		w = *policy.TemporalWeight
	}
	sc := temporal.NewScorer(w)
	sc.FrequencyBoost = s.scorer.FrequencyBoost || policy.FrequencyBoost
	return sc
}

// SearchByContext searches within one context. Small contexts are scanned
// linearly; larger ones go through a context-filtered graph search.
func (s *Store) SearchByContext(ctx context.Context, contextName string, query []float32, k int, policy SearchPolicy) ([]Hit, error) {
	policy.Context = contextName
	if s.rel.ContextSize(contextName) > s.cfg.ContextScanThreshold {
		return s.Search(ctx, query, k, policy)
	}

	q, err := s.prepareVector(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}

	now := s.now()
	var cands []temporal.Candidate
	for _, id := range s.rel.ContextScan(contextName) {
		if err := ctx.Err(); err != nil {
			return nil, mapErr(err)
		}
		rec, err := s.records.Get(id)
		if err != nil {
			continue
		}
		cands = append(cands, temporal.Candidate{
			ID:           id,
			Distance:     s.metric.DistanceUnchecked(q, rec.Data),
			Importance:   rec.Attrs.Importance,
			DecayRate:    rec.Attrs.DecayRate,
			LastAccessed: rec.Attrs.LastAccessed,
			AccessCount:  rec.Attrs.AccessCount,
		})
	}

	s.scorerFor(policy).Rank(cands, now)
	if len(cands) > k {
		cands = cands[:k]
	}
	batch := record.NewTouchBatcher(s.records, record.DefaultBatchSize)
	hits := make([]Hit, len(cands))
	for i, c := range cands {
		hits[i] = Hit{ID: c.ID, Score: c.Score, Distance: c.Distance}
		batch.Add(c.ID, now)
	}
	batch.Flush()
	return hits, nil
}

// Related returns the full records reachable from id within maxDepth hops,
// in deterministic order.
func (s *Store) Related(id string, maxDepth int) ([]Record, error) {
	ids, err := s.rel.Related(id, maxDepth)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]Record, 0, len(ids))
	for _, rid := range ids {
		if rec, err := s.records.Get(rid); err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Delete removes a record. Its graph node is tombstoned: edges remain
// usable as traversal waypoints but the id is never returned again.
func (s *Store) Delete(id string) error {
	if err := s.records.Delete(id); err != nil {
		return mapErr(err)
	}
	// Un-indexed records have no node; nothing to tombstone then.
	_ = s.index.Delete(id)
	s.rel.Remove(id)
	deletesTotal.Inc()
	recordsGauge.Set(float64(s.records.Len()))
	return nil
}

// DeleteContext removes every record in a context and returns the removed
// ids in insertion order.
func (s *Store) DeleteContext(contextName string) []string {
	ids := s.rel.RemoveContext(contextName)
	for _, id := range ids {
		_ = s.records.Delete(id)
		_ = s.index.Delete(id)
		deletesTotal.Inc()
	}
	recordsGauge.Set(float64(s.records.Len()))
	return ids
}

// Touch bumps a record's access counter and last-access time.
func (s *Store) Touch(id string) error {
	return mapErr(s.records.Touch(id, s.now()))
}

// UpdateImportance sets a record's importance, clamped to [0, 1].
func (s *Store) UpdateImportance(id string, value float32) error {
	return mapErr(s.records.UpdateImportance(id, value))
}

func (s *Store) finishSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
