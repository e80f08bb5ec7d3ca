package mpi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

// SQLSTATE lock_not_available, raised by NOWAIT and lock_timeout.
const pgLockNotAvailable = "55P03"

const recordCols = `id, mrn, first_name, last_name, birth_date, gender, phone, email, address`

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore is the Postgres Store. Exclusive intent is taken with row locks on
// the patient rows, so it holds across every process sharing the database.
type PGStore struct {
	pool *pgxpool.Pool
	lock LockOptions
}

// NewPGStore creates a PGStore.
func NewPGStore(pool *pgxpool.Pool, lock LockOptions) *PGStore {
	return &PGStore{pool: pool, lock: lock}
}

func (s *PGStore) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

// FetchAll loads the filtered population, newest first.
func (s *PGStore) FetchAll(ctx context.Context, f Filter) ([]PatientRecord, error) {
	q, err := populationQuery(f, db.Dollar)
	if err != nil {
		return nil, err
	}
	sql, args := q.SQL(f.Limit, 0)
	return queryRecords(ctx, s.conn(ctx), sql, args...)
}

func (s *PGStore) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	return fetchByIDsPG(ctx, s.conn(ctx), ids)
}

func (s *PGStore) CountRelations(ctx context.Context, rel RelationType, patientID uuid.UUID) (int64, error) {
	table, err := relationTable(rel)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.conn(ctx).QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE patient_id = $1`, table), patientID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", rel, err)
	}
	return n, nil
}

// Begin opens a transaction and locks the patient rows for ids in id order.
// In LockNoWait mode a held row fails immediately; in LockWait mode the
// statement waits up to the lock timeout. Both surface as *ConflictError.
func (s *PGStore) Begin(ctx context.Context, ids []uuid.UUID) (Tx, error) {
	tx, err := db.BeginTx(ctx, s.pool)
	if err != nil {
		return nil, err
	}

	lockSQL := `SELECT id FROM patient WHERE id = ANY($1) ORDER BY id FOR UPDATE NOWAIT`
	if s.lock.Mode == LockWait {
		lockSQL = `SELECT id FROM patient WHERE id = ANY($1) ORDER BY id FOR UPDATE`
		if s.lock.Timeout > 0 {
			if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lock.Timeout.Milliseconds())); err != nil {
				_ = tx.Rollback(context.WithoutCancel(ctx))
				return nil, fmt.Errorf("set lock_timeout: %w", err)
			}
		}
	}

	rows, err := tx.Query(ctx, lockSQL, ids)
	if err == nil {
		for rows.Next() {
		}
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, &ConflictError{IDs: ids, Err: err}
		}
		return nil, fmt.Errorf("lock patients: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// Ping checks the pool, for the health endpoint.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	return fetchByIDsPG(ctx, t.tx, ids)
}

func (t *pgTx) ReassignOwner(ctx context.Context, rel RelationType, from, to uuid.UUID) (int64, error) {
	table, err := relationTable(rel)
	if err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET patient_id = $2 WHERE patient_id = $1`, table), from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *pgTx) Update(ctx context.Context, p PatientRecord) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE patient SET
			first_name=$2, last_name=$3, birth_date=$4, gender=$5, phone=$6, email=$7, address=$8,
			updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.FirstName, p.LastName, p.DateOfBirth,
		nullIfEmpty(p.Gender), nullIfEmpty(p.Phone), nullIfEmpty(p.Email), nullIfEmpty(p.Address),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("update patient %s: %d rows affected", p.ID, tag.RowsAffected())
	}
	return nil
}

func (t *pgTx) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("delete patient %s: %d rows affected", id, tag.RowsAffected())
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func fetchByIDsPG(ctx context.Context, q querier, ids []uuid.UUID) ([]PatientRecord, error) {
	if len(ids) == 0 {
		return []PatientRecord{}, nil
	}
	return queryRecords(ctx, q, `SELECT `+recordCols+` FROM patient WHERE id = ANY($1) ORDER BY id`, ids)
}

func queryRecords(ctx context.Context, q querier, sql string, args ...interface{}) ([]PatientRecord, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []PatientRecord{}
	for rows.Next() {
		var (
			r                                  PatientRecord
			mrn, gender, phone, email, address *string
			dob                                *time.Time
		)
		if err := rows.Scan(&r.ID, &mrn, &r.FirstName, &r.LastName, &dob, &gender, &phone, &email, &address); err != nil {
			return nil, err
		}
		r.Identifier = deref(mrn)
		r.DateOfBirth = dob
		r.Gender = deref(gender)
		r.Phone = deref(phone)
		r.Email = deref(email)
		r.Address = deref(address)
		records = append(records, r)
	}
	return records, rows.Err()
}

// populationQuery applies f to a patient SELECT in the given dialect.
func populationQuery(f Filter, ph db.Placeholder) (*db.SelectQuery, error) {
	q := db.NewSelect("patient", recordCols, ph)
	if f.Search != "" {
		q.WhereContains(f.Search, "first_name", "last_name", "mrn")
	}
	if f.Identifier != "" {
		q.Where("mrn = ?", f.Identifier)
	}
	if f.LastName != "" {
		q.Where("lower(last_name) = lower(?)", f.LastName)
	}
	if f.BirthDate != "" {
		d, err := time.Parse(time.DateOnly, f.BirthDate)
		if err != nil {
			return nil, fmt.Errorf("birth_date must be YYYY-MM-DD: %w", err)
		}
		if ph == db.Question {
			q.Where("birth_date = ?", d.Format(time.DateOnly))
		} else {
			q.Where("birth_date = ?", d)
		}
	}
	return q.OrderBy("created_at DESC, id"), nil
}

// relationTable maps a relation type onto its table. Only known types are
// accepted since the name is interpolated into SQL.
func relationTable(rel RelationType) (string, error) {
	for _, known := range RelationTypes() {
		if rel == known {
			return string(rel), nil
		}
	}
	return "", fmt.Errorf("unknown relation type %q", rel)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
