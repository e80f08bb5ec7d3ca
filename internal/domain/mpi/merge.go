package mpi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MergeCoordinator absorbs duplicate patients into a master record inside a
// single transaction.
type MergeCoordinator struct {
	store    Store
	logger   zerolog.Logger
	observer Observer
}

// NewMergeCoordinator creates a MergeCoordinator. A nil observer is allowed.
func NewMergeCoordinator(store Store, logger zerolog.Logger, observer Observer) *MergeCoordinator {
	return &MergeCoordinator{
		store:    store,
		logger:   logger.With().Str("component", "merge").Logger(),
		observer: observerOrNop(observer),
	}
}

// Merge validates req, then under exclusive intent over the master and all
// duplicates: moves every dependent relation to the master, fills empty
// master fields from duplicates in ascending id order, deletes the
// duplicates and saves the master. Any failure rolls everything back.
func (m *MergeCoordinator) Merge(ctx context.Context, req MergeRequest) (result *MergeResult, err error) {
	start := time.Now()
	defer func() {
		var summary *MergeSummary
		if result != nil {
			summary = &result.Summary
		}
		m.observer.MergeCompleted(summary, time.Since(start), err)
	}()

	dups, err := validateMergeRequest(req)
	if err != nil {
		return nil, err
	}
	ids := append([]uuid.UUID{req.MasterID}, dups...)

	if err := m.ensureExist(ctx, ids); err != nil {
		return nil, err
	}

	tx, err := m.store.Begin(ctx, ids)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			m.logger.Warn().Err(err).Str("master_id", req.MasterID.String()).Msg("merge conflict")
			return nil, err
		}
		return nil, &StorageError{Op: "begin transaction", Err: err}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// The caller's context may already be canceled; rollback must still run.
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			m.logger.Error().Err(rbErr).Str("master_id", req.MasterID.String()).Msg("merge rollback failed")
		}
	}()

	current, err := tx.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, m.storageFailure(req, "reload patients", err)
	}
	byID := indexRecords(current)
	if missing := missingIDs(ids, byID); len(missing) > 0 {
		return nil, &ConflictError{IDs: missing, Reason: "patients were removed by a concurrent operation"}
	}

	master := byID[req.MasterID]
	summary := newMergeSummary(req.MasterID)

	for _, dupID := range dups {
		if err := ctx.Err(); err != nil {
			return nil, m.storageFailure(req, "merge canceled", err)
		}
		for _, rel := range RelationTypes() {
			n, err := tx.ReassignOwner(ctx, rel, dupID, req.MasterID)
			if err != nil {
				return nil, m.storageFailure(req, fmt.Sprintf("reassign %s from %s", rel, dupID), err)
			}
			summary.RelationsMoved[rel] += n
		}
		fillEmpty(&master, byID[dupID], summary.FieldsAdopted)
		if err := tx.Delete(ctx, dupID); err != nil {
			return nil, m.storageFailure(req, fmt.Sprintf("delete patient %s", dupID), err)
		}
		summary.Absorbed = append(summary.Absorbed, dupID)
	}

	if err := tx.Update(ctx, master); err != nil {
		return nil, m.storageFailure(req, "update master", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, m.storageFailure(req, "merge canceled", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, m.storageFailure(req, "commit", err)
	}
	committed = true

	m.logger.Info().
		Str("master_id", req.MasterID.String()).
		Int("absorbed", len(summary.Absorbed)).
		Interface("relations_moved", summary.RelationsMoved).
		Dur("elapsed", time.Since(start)).
		Msg("patients merged")

	return &MergeResult{Master: master, Summary: summary}, nil
}

// Preview computes what Merge would do without opening a transaction.
func (m *MergeCoordinator) Preview(ctx context.Context, req MergeRequest) (*MergeResult, error) {
	dups, err := validateMergeRequest(req)
	if err != nil {
		return nil, err
	}
	ids := append([]uuid.UUID{req.MasterID}, dups...)

	records, err := m.store.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, &StorageError{Op: "fetch patients", Err: err}
	}
	byID := indexRecords(records)
	if missing := missingIDs(ids, byID); len(missing) > 0 {
		return nil, &ValidationError{Reason: "patients not found", IDs: missing, NotFound: true}
	}

	master := byID[req.MasterID]
	summary := newMergeSummary(req.MasterID)
	summary.Preview = true
	for _, dupID := range dups {
		for _, rel := range RelationTypes() {
			n, err := m.store.CountRelations(ctx, rel, dupID)
			if err != nil {
				return nil, &StorageError{Op: fmt.Sprintf("count %s for %s", rel, dupID), Err: err}
			}
			summary.RelationsMoved[rel] += n
		}
		fillEmpty(&master, byID[dupID], summary.FieldsAdopted)
		summary.Absorbed = append(summary.Absorbed, dupID)
	}
	return &MergeResult{Master: master, Summary: summary}, nil
}

func (m *MergeCoordinator) ensureExist(ctx context.Context, ids []uuid.UUID) error {
	records, err := m.store.FetchByIDs(ctx, ids)
	if err != nil {
		return &StorageError{Op: "fetch patients", Err: err}
	}
	if missing := missingIDs(ids, indexRecords(records)); len(missing) > 0 {
		return &ValidationError{Reason: "patients not found", IDs: missing, NotFound: true}
	}
	return nil
}

func (m *MergeCoordinator) storageFailure(req MergeRequest, op string, err error) error {
	m.logger.Error().Err(err).Str("master_id", req.MasterID.String()).Str("op", op).Msg("merge aborted")
	return &StorageError{Op: op, Err: err}
}

// validateMergeRequest checks the request shape and returns the duplicate
// ids in processing (ascending) order.
func validateMergeRequest(req MergeRequest) ([]uuid.UUID, error) {
	if req.MasterID == uuid.Nil {
		return nil, &ValidationError{Reason: "master_id is required"}
	}
	if len(req.DuplicateIDs) == 0 {
		return nil, &ValidationError{Reason: "at least one duplicate id is required"}
	}

	seen := make(map[uuid.UUID]bool, len(req.DuplicateIDs))
	dups := make([]uuid.UUID, 0, len(req.DuplicateIDs))
	for _, id := range req.DuplicateIDs {
		switch {
		case id == uuid.Nil:
			return nil, &ValidationError{Reason: "duplicate ids must not be empty"}
		case id == req.MasterID:
			return nil, &ValidationError{Reason: "cannot merge a patient into itself", IDs: []uuid.UUID{id}}
		case seen[id]:
			return nil, &ValidationError{Reason: "duplicate id listed more than once", IDs: []uuid.UUID{id}}
		}
		seen[id] = true
		dups = append(dups, id)
	}
	sortIDs(dups)
	return dups, nil
}

func missingIDs(ids []uuid.UUID, found map[uuid.UUID]PatientRecord) []uuid.UUID {
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// fillEmpty copies dup's value into every empty master field of the merge
// field list. Set master fields are never overwritten. adopted records the
// source of each filled field.
func fillEmpty(master *PatientRecord, dup PatientRecord, adopted map[string]uuid.UUID) {
	fillString := func(field string, dst *string, src string) {
		if strings.TrimSpace(*dst) == "" && strings.TrimSpace(src) != "" {
			*dst = src
			adopted[field] = dup.ID
		}
	}
	fillString("first_name", &master.FirstName, dup.FirstName)
	fillString("last_name", &master.LastName, dup.LastName)
	if master.DateOfBirth == nil && dup.DateOfBirth != nil {
		dob := *dup.DateOfBirth
		master.DateOfBirth = &dob
		adopted["date_of_birth"] = dup.ID
	}
	fillString("gender", &master.Gender, dup.Gender)
	fillString("phone", &master.Phone, dup.Phone)
	fillString("email", &master.Email, dup.Email)
	fillString("address", &master.Address, dup.Address)
}

// MergeFields lists the fields eligible for fill-only merging.
func MergeFields() []string {
	return []string{"first_name", "last_name", "date_of_birth", "gender", "phone", "email", "address"}
}
