package mpi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/ehr/mpi/internal/platform/db"
)

// SQLiteSchema is applied every time an embedded store is opened.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS patient (
    id          TEXT PRIMARY KEY,
    mrn         TEXT,
    first_name  TEXT NOT NULL,
    last_name   TEXT NOT NULL,
    birth_date  TEXT,
    gender      TEXT,
    phone       TEXT,
    email       TEXT,
    address     TEXT,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_patient_mrn ON patient (mrn);

CREATE TABLE IF NOT EXISTS encounter (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patient(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_encounter_patient ON encounter (patient_id);

CREATE TABLE IF NOT EXISTS condition (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patient(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_condition_patient ON condition (patient_id);

CREATE TABLE IF NOT EXISTS observation (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patient(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_observation_patient ON observation (patient_id);

CREATE TABLE IF NOT EXISTS diagnostic_report (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patient(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_diagnostic_report_patient ON diagnostic_report (patient_id);

CREATE TABLE IF NOT EXISTS consent (
    id TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL REFERENCES patient(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS idx_consent_patient ON consent (patient_id);
`

// SQLiteStore is an embedded Store for development and the CLI. SQLite has
// no row locks, so exclusive intent comes from an in-process IntentRegistry;
// it does not protect against other processes writing the same file.
type SQLiteStore struct {
	db      *sql.DB
	intents *IntentRegistry
	lock    LockOptions
}

// OpenSQLiteStore opens (or creates) the database at path and applies the schema.
func OpenSQLiteStore(path string, lock LockOptions) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers; a merge holds it until commit.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec(SQLiteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteStore{db: sqlDB, intents: NewIntentRegistry(), lock: lock}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying database for repositories sharing the file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Ping checks the database, for the health endpoint.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// FetchAll loads the filtered population, newest first.
func (s *SQLiteStore) FetchAll(ctx context.Context, f Filter) ([]PatientRecord, error) {
	q, err := populationQuery(f, db.Question)
	if err != nil {
		return nil, err
	}
	query, args := q.SQL(f.Limit, 0)
	return querySQLiteRecords(ctx, s.db, query, args...)
}

func (s *SQLiteStore) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	return fetchByIDsSQLite(ctx, s.db, ids)
}

func (s *SQLiteStore) CountRelations(ctx context.Context, rel RelationType, patientID uuid.UUID) (int64, error) {
	table, err := relationTable(rel)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE patient_id = ?`, table), patientID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", rel, err)
	}
	return n, nil
}

// Begin takes exclusive intent over ids, then opens a transaction. The
// intent is released when the transaction ends.
func (s *SQLiteStore) Begin(ctx context.Context, ids []uuid.UUID) (Tx, error) {
	release, err := acquireIntent(ctx, s.intents, ids, s.lock)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		release()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqliteTx{tx: tx, release: release}, nil
}

// Insert stores a new patient. A zero ID is replaced with a fresh one.
func (s *SQLiteStore) Insert(ctx context.Context, p *PatientRecord) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patient (id, mrn, first_name, last_name, birth_date, gender, phone, email, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), nullIfEmpty(p.Identifier), p.FirstName, p.LastName, formatDate(p.DateOfBirth),
		nullIfEmpty(p.Gender), nullIfEmpty(p.Phone), nullIfEmpty(p.Email), nullIfEmpty(p.Address),
	)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

// AddRelation attaches a new rel row to patientID and returns its id.
func (s *SQLiteStore) AddRelation(ctx context.Context, rel RelationType, patientID uuid.UUID) (uuid.UUID, error) {
	table, err := relationTable(rel)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, patient_id) VALUES (?, ?)`, table), id.String(), patientID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("insert %s: %w", rel, err)
	}
	return id, nil
}

type sqliteTx struct {
	tx      *sql.Tx
	release func()
}

func (t *sqliteTx) FetchByIDs(ctx context.Context, ids []uuid.UUID) ([]PatientRecord, error) {
	return fetchByIDsSQLite(ctx, t.tx, ids)
}

func (t *sqliteTx) ReassignOwner(ctx context.Context, rel RelationType, from, to uuid.UUID) (int64, error) {
	table, err := relationTable(rel)
	if err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET patient_id = ? WHERE patient_id = ?`, table), to.String(), from.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *sqliteTx) Update(ctx context.Context, p PatientRecord) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE patient SET
			first_name = ?, last_name = ?, birth_date = ?, gender = ?, phone = ?, email = ?, address = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		WHERE id = ?`,
		p.FirstName, p.LastName, formatDate(p.DateOfBirth),
		nullIfEmpty(p.Gender), nullIfEmpty(p.Phone), nullIfEmpty(p.Email), nullIfEmpty(p.Address),
		p.ID.String(),
	)
	return expectOneRow(res, err, "update patient", p.ID)
}

func (t *sqliteTx) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM patient WHERE id = ?`, id.String())
	return expectOneRow(res, err, "delete patient", id)
}

func (t *sqliteTx) Commit(context.Context) error {
	defer t.release()
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback(context.Context) error {
	defer t.release()
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func fetchByIDsSQLite(ctx context.Context, q sqlQuerier, ids []uuid.UUID) ([]PatientRecord, error) {
	if len(ids) == 0 {
		return []PatientRecord{}, nil
	}
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id.String()
	}
	query := `SELECT ` + recordCols + ` FROM patient WHERE id IN (` + strings.Join(marks, ", ") + `) ORDER BY id`
	return querySQLiteRecords(ctx, q, query, args...)
}

func querySQLiteRecords(ctx context.Context, q sqlQuerier, query string, args ...interface{}) ([]PatientRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []PatientRecord{}
	for rows.Next() {
		var (
			r                                       PatientRecord
			id                                      string
			mrn, dob, gender, phone, email, address sql.NullString
		)
		if err := rows.Scan(&id, &mrn, &r.FirstName, &r.LastName, &dob, &gender, &phone, &email, &address); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("patient id %q: %w", id, err)
		}
		if dob.Valid && dob.String != "" {
			d, err := time.Parse(time.DateOnly, dob.String)
			if err != nil {
				return nil, fmt.Errorf("patient %s birth_date: %w", id, err)
			}
			r.DateOfBirth = &d
		}
		r.Identifier = mrn.String
		r.Gender = gender.String
		r.Phone = phone.String
		r.Email = email.String
		r.Address = address.String
		records = append(records, r)
	}
	return records, rows.Err()
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

func expectOneRow(res sql.Result, err error, op string, id uuid.UUID) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%s %s: %d rows affected", op, id, n)
	}
	return nil
}
