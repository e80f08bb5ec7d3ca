package mpi

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(store Store) *Service {
	opts := DefaultOptions()
	opts.Workers = 2
	return NewService(store, opts, zerolog.Nop(), nil)
}

func TestService_DetectThenMerge(t *testing.T) {
	store := newMemStore()
	ids := store.add(
		PatientRecord{Identifier: "778811", FirstName: "Pat", LastName: "One"},
		PatientRecord{Identifier: "778811", FirstName: "Patricia", LastName: "Uno", Email: "a@x.com"},
	)
	store.addRelations(RelationEncounter, ids[1], 3)
	svc := newTestService(store)
	ctx := context.Background()

	groups, err := svc.DetectDuplicates(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	result, err := svc.MergePatients(ctx, ids[0], ids[1:])
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", result.Master.Email)

	groups, err = svc.DetectDuplicates(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestService_PreviewMerge(t *testing.T) {
	store := newMemStore()
	ids := store.add(
		PatientRecord{FirstName: "M", LastName: "M"},
		PatientRecord{FirstName: "D", LastName: "D"},
	)
	svc := newTestService(store)

	result, err := svc.PreviewMerge(context.Background(), ids[0], ids[1:])
	require.NoError(t, err)
	assert.True(t, result.Summary.Preview)
	_, ok := store.get(ids[1])
	assert.True(t, ok)
}

func TestService_ScorePair(t *testing.T) {
	store := newMemStore()
	ids := store.add(
		PatientRecord{FirstName: "Jon", LastName: "Smith", DateOfBirth: dob("1980-01-01")},
		PatientRecord{FirstName: "John", LastName: "Smith", DateOfBirth: dob("1980-01-01")},
	)
	svc := newTestService(store)
	ctx := context.Background()

	report, err := svc.ScorePair(ctx, ids[1], ids[0])
	require.NoError(t, err)
	assert.Equal(t, 66.43, report.Breakdown.Total)
	assert.False(t, report.Matched)
	assert.Equal(t, DefaultThreshold, report.Threshold)
	assert.Equal(t, ids[1], report.MemberA.ID)

	_, err = svc.ScorePair(ctx, ids[0], ids[0])
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.ScorePair(ctx, ids[0], uuid.New())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.NotFound)

	store.failOn("fetch_by_ids", errors.New("timeout"))
	_, err = svc.ScorePair(ctx, ids[0], ids[1])
	assert.ErrorIs(t, err, ErrStorage)
}

func TestService_ScorePair_ExactIdentifierOnly(t *testing.T) {
	store := newMemStore()
	ids := store.add(
		PatientRecord{Identifier: "M1", FirstName: "Jon", LastName: "Smith", DateOfBirth: dob("1980-01-01")},
		PatientRecord{Identifier: "M2", FirstName: "Jon", LastName: "Smith", DateOfBirth: dob("1980-01-01")},
		PatientRecord{Identifier: "M1", FirstName: "Maria", LastName: "Garcia"},
	)
	opts := DefaultOptions()
	opts.Weights = Weights{Identifier: 50, Name: 80, BirthDate: 20}
	opts.ExactIdentifierOnly = true
	svc := NewService(store, opts, zerolog.Nop(), nil)
	ctx := context.Background()

	report, err := svc.ScorePair(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.Equal(t, MaxScore, report.Breakdown.Total)
	assert.False(t, report.Breakdown.ShortCircuit)
	assert.False(t, report.Matched)

	report, err = svc.ScorePair(ctx, ids[0], ids[2])
	require.NoError(t, err)
	assert.True(t, report.Matched)
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&ValidationError{Reason: "x"}, "validation"},
		{&ConflictError{}, "conflict"},
		{fmt.Errorf("wrapped: %w", &ConflictError{}), "conflict"},
		{&StorageError{Op: "commit", Err: errors.New("boom")}, "storage"},
		{fmt.Errorf("score pairs: %w", context.Canceled), "canceled"},
		{errors.New("other"), "storage"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "%v", tt.err)
	}
}

func TestErrorMessages(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	assert.Equal(t, "invalid merge request: patients not found: "+id.String(),
		(&ValidationError{Reason: "patients not found", IDs: []uuid.UUID{id}}).Error())
	assert.Equal(t, "merge conflict: locked by another operation: "+id.String(),
		(&ConflictError{IDs: []uuid.UUID{id}}).Error())
	assert.Equal(t, "storage failure: commit: boom",
		(&StorageError{Op: "commit", Err: errors.New("boom")}).Error())
}
