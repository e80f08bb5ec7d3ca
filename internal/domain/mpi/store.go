package mpi

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence collaborator consumed by detection and merge.
type Store interface {
	// FetchAll loads the population matching filter.
	FetchAll(ctx context.Context, filter Filter) ([]PatientRecord, error)
	// FetchByIDs loads the given patients; unknown ids are simply absent.
	FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error)
	// CountRelations counts rel rows owned by patientID.
	CountRelations(ctx context.Context, rel RelationType, patientID uuid.UUID) (int64, error)
	// Begin opens a transaction holding exclusive intent over ids. It returns
	// a *ConflictError when that intent cannot be obtained.
	Begin(ctx context.Context, ids []uuid.UUID) (Tx, error)
}

// Tx is one atomic unit of work opened by Store.Begin. Rollback after
// Commit is a no-op.
type Tx interface {
	FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error)
	// ReassignOwner moves every rel row from one patient to another and
	// returns the number of rows moved.
	ReassignOwner(ctx context.Context, rel RelationType, from, to uuid.UUID) (int64, error)
	Update(ctx context.Context, p PatientRecord) error
	Delete(ctx context.Context, id uuid.UUID) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// LockMode selects how a store reacts to ids already held by another merge.
type LockMode string

const (
	// LockNoWait fails fast with a ConflictError.
	LockNoWait LockMode = "nowait"
	// LockWait blocks up to the configured lock timeout, then fails with a
	// ConflictError.
	LockWait LockMode = "wait"
)

// LockOptions configures exclusive-intent acquisition in a store.
type LockOptions struct {
	Mode    LockMode
	Timeout time.Duration
}

// DefaultLockOptions fails fast.
func DefaultLockOptions() LockOptions {
	return LockOptions{Mode: LockNoWait, Timeout: 5 * time.Second}
}

// acquireIntent applies opts to a registry.
func acquireIntent(ctx context.Context, reg *IntentRegistry, ids []uuid.UUID, opts LockOptions) (func(), error) {
	if opts.Mode != LockWait {
		return reg.TryAcquire(ids)
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return reg.Acquire(ctx, ids)
}

func indexRecords(records []PatientRecord) map[uuid.UUID]PatientRecord {
	out := make(map[uuid.UUID]PatientRecord, len(records))
	for _, r := range records {
		out[r.ID] = r
	}
	return out
}
