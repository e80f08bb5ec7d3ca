package mpi

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PairReport is the score of one patient pair with its breakdown.
type PairReport struct {
	MemberA   PatientRecord  `json:"member_a"`
	MemberB   PatientRecord  `json:"member_b"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Matched   bool           `json:"matched"`
	Threshold float64        `json:"threshold"`
}

// Service is the entry point exposed to transports and the CLI.
type Service struct {
	store    Store
	detector *DetectionService
	merger   *MergeCoordinator
}

// NewService wires detection and merge over store. A nil observer is allowed.
func NewService(store Store, opts Options, logger zerolog.Logger, observer Observer) *Service {
	return &Service{
		store:    store,
		detector: NewDetectionService(store, opts, logger, observer),
		merger:   NewMergeCoordinator(store, logger, observer),
	}
}

// Options returns the default detection options.
func (s *Service) Options() Options { return s.detector.Options() }

// DetectDuplicates returns ranked duplicate groups using the default options.
func (s *Service) DetectDuplicates(ctx context.Context, filter Filter) ([]DuplicateGroup, error) {
	return s.detector.Detect(ctx, filter)
}

// DetectDuplicatesWithOptions returns ranked duplicate groups using opts.
func (s *Service) DetectDuplicatesWithOptions(ctx context.Context, filter Filter, opts Options) ([]DuplicateGroup, error) {
	return s.detector.DetectWithOptions(ctx, filter, opts)
}

// MergePatients absorbs duplicateIDs into masterID.
func (s *Service) MergePatients(ctx context.Context, masterID uuid.UUID, duplicateIDs []uuid.UUID) (*MergeResult, error) {
	return s.merger.Merge(ctx, MergeRequest{MasterID: masterID, DuplicateIDs: duplicateIDs})
}

// PreviewMerge reports what MergePatients would change without changing it.
func (s *Service) PreviewMerge(ctx context.Context, masterID uuid.UUID, duplicateIDs []uuid.UUID) (*MergeResult, error) {
	return s.merger.Preview(ctx, MergeRequest{MasterID: masterID, DuplicateIDs: duplicateIDs})
}

// ScorePair scores two stored patients with the default options. In
// exact-identifier-only mode only an identifier match counts as matched.
func (s *Service) ScorePair(ctx context.Context, a, b uuid.UUID) (*PairReport, error) {
	if a == b {
		return nil, &ValidationError{Reason: "cannot score a patient against itself", IDs: []uuid.UUID{a}}
	}
	ids := []uuid.UUID{a, b}
	records, err := s.store.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, &StorageError{Op: "fetch patients", Err: err}
	}
	byID := indexRecords(records)
	if missing := missingIDs(ids, byID); len(missing) > 0 {
		return nil, &ValidationError{Reason: "patients not found", IDs: missing, NotFound: true}
	}

	opts := s.Options()
	bd := NewScorer(opts.Weights, opts.NameStrategy).Explain(byID[a], byID[b])
	threshold := opts.EffectiveThreshold()
	return &PairReport{
		MemberA:   byID[a],
		MemberB:   byID[b],
		Breakdown: bd,
		Matched:   bd.Total >= threshold && (!opts.ExactIdentifierOnly || bd.ShortCircuit),
		Threshold: threshold,
	}, nil
}
