package mpi

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold is the minimum pair score that links two patients.
const DefaultThreshold = 70.0

// Options configures a detection run.
type Options struct {
	Weights             Weights      `json:"weights"`
	NameStrategy        NameStrategy `json:"name_strategy"`
	Threshold           float64      `json:"threshold"`
	ExactIdentifierOnly bool         `json:"exact_identifier_only"`
	Workers             int          `json:"workers"`
	Ranking             RankOrder    `json:"ranking"`
}

// DefaultOptions returns the default detection options.
func DefaultOptions() Options {
	return Options{
		Weights:      DefaultWeights(),
		NameStrategy: NameStrategyAverage,
		Threshold:    DefaultThreshold,
		Workers:      runtime.NumCPU(),
		Ranking:      OrderByScore,
	}
}

// EffectiveThreshold is the edge threshold actually used: MaxScore in
// exact-identifier-only mode, Threshold otherwise. Exact mode additionally
// links only pairs whose identifiers match, so weights that let names and
// birth date reach MaxScore do not create links there.
func (o Options) EffectiveThreshold() float64 {
	if o.ExactIdentifierOnly {
		return MaxScore
	}
	return o.Threshold
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	if err := o.Weights.Validate(); err != nil {
		return err
	}
	if o.Threshold < 0 || o.Threshold > MaxScore {
		return fmt.Errorf("threshold must be between 0 and %v, got %v", MaxScore, o.Threshold)
	}
	switch o.NameStrategy {
	case NameStrategyAverage, NameStrategyMax:
	default:
		return fmt.Errorf("unknown name strategy %q", o.NameStrategy)
	}
	if _, err := ParseRankOrder(string(o.Ranking)); err != nil {
		return err
	}
	return nil
}

// DetectionService loads a population, scores every pair, clusters the
// match graph and returns ranked duplicate groups. Runs share no state.
type DetectionService struct {
	store    Store
	opts     Options
	analyzer ClusterAnalyzer
	logger   zerolog.Logger
	observer Observer
}

// NewDetectionService creates a DetectionService. A nil observer is allowed.
func NewDetectionService(store Store, opts Options, logger zerolog.Logger, observer Observer) *DetectionService {
	return &DetectionService{
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "detection").Logger(),
		observer: observerOrNop(observer),
	}
}

// Options returns the service defaults.
func (s *DetectionService) Options() Options { return s.opts }

// Detect runs detection with the service defaults.
func (s *DetectionService) Detect(ctx context.Context, filter Filter) ([]DuplicateGroup, error) {
	return s.DetectWithOptions(ctx, filter, s.opts)
}

// DetectWithOptions runs detection with per-call options. An empty or
// single-patient population yields an empty, non-nil slice.
func (s *DetectionService) DetectWithOptions(ctx context.Context, filter Filter, opts Options) (groups []DuplicateGroup, err error) {
	start := time.Now()
	stats := DetectionStats{Threshold: opts.EffectiveThreshold()}
	defer func() {
		stats.Duration = time.Since(start)
		s.observer.DetectionCompleted(stats, err)
	}()

	records, err := s.store.FetchAll(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load population: %w", err)
	}
	stats.Population = len(records)
	if len(records) < 2 {
		return []DuplicateGroup{}, nil
	}

	scorer := NewScorer(opts.Weights, opts.NameStrategy)
	cache, err := ScoreAll(ctx, scorer, records, opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("score pairs: %w", err)
	}
	stats.Pairs = cache.Len()

	ids := make([]uuid.UUID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	links := cache
	if opts.ExactIdentifierOnly {
		links = identifierPairs(records, cache)
	}
	graph := BuildMatchGraph(ids, links, stats.Threshold)
	stats.Edges = graph.EdgeCount()

	byID := indexRecords(records)
	components := graph.Components()
	groups = make([]DuplicateGroup, 0, len(components))
	for i, component := range components {
		group, err := s.analyzer.Analyze(i+1, component, cache, byID)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	groups = s.analyzer.Rank(groups, opts.Ranking)
	stats.Groups = len(groups)

	s.logger.Info().
		Int("population", stats.Population).
		Int("pairs", stats.Pairs).
		Int("edges", stats.Edges).
		Int("groups", stats.Groups).
		Float64("threshold", stats.Threshold).
		Dur("elapsed", time.Since(start)).
		Msg("duplicate detection completed")

	return groups, nil
}

// identifierPairs copies from cache the scores of pairs that share an
// identifier.
func identifierPairs(records []PatientRecord, cache *PairScoreCache) *PairScoreCache {
	byIdentifier := make(map[string][]uuid.UUID)
	for _, r := range records {
		if id := strings.TrimSpace(r.Identifier); id != "" {
			byIdentifier[id] = append(byIdentifier[id], r.ID)
		}
	}
	out := NewPairScoreCache(0)
	for _, members := range byIdentifier {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if score, ok := cache.Get(members[i], members[j]); ok {
					out.Set(members[i], members[j], score)
				}
			}
		}
	}
	return out
}

// ScoreAll scores every unordered pair of records on a bounded worker pool.
// Each worker owns one row i and writes pairs (i, j>i) into its own slots of
// a dense slice, so no locking is needed; the slice is folded into the cache
// after all workers finish.
func ScoreAll(ctx context.Context, scorer *Scorer, records []PatientRecord, workers int) (*PairScoreCache, error) {
	n := len(records)
	total := n * (n - 1) / 2
	if total <= 0 {
		return NewPairScoreCache(0), nil
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	scores := make([]float64, total)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n-1; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			off := pairOffset(i, n)
			for j := i + 1; j < n; j++ {
				scores[off+j-i-1] = scorer.Score(records[i], records[j])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cache := NewPairScoreCache(total)
	for i := 0; i < n-1; i++ {
		off := pairOffset(i, n)
		for j := i + 1; j < n; j++ {
			cache.Set(records[i].ID, records[j].ID, scores[off+j-i-1])
		}
	}
	return cache, nil
}

// pairOffset is the index of pair (i, i+1) in row-major upper-triangle order.
func pairOffset(i, n int) int {
	return i * (2*n - i - 1) / 2
}
