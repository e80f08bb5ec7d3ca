package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/platform/db"
)

// sqliteTimestamp matches the strftime format the embedded schema writes.
const sqliteTimestamp = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// PractitionerSQLiteSchema is applied by NewPractitionerRepoSQLite.
const PractitionerSQLiteSchema = `
CREATE TABLE IF NOT EXISTS practitioner (
    id          TEXT PRIMARY KEY,
    identifier  TEXT NOT NULL UNIQUE,
    first_name  TEXT NOT NULL,
    last_name   TEXT NOT NULL,
    specialty   TEXT,
    email       TEXT NOT NULL UNIQUE,
    phone       TEXT,
    active      INTEGER NOT NULL DEFAULT 1,
    created_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS practitioner_role (
    id              TEXT PRIMARY KEY,
    practitioner_id TEXT NOT NULL REFERENCES practitioner(id) ON DELETE CASCADE,
    organization_id TEXT,
    role_code       TEXT NOT NULL,
    role_display    TEXT,
    active          INTEGER NOT NULL DEFAULT 1,
    created_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_practitioner_role_practitioner ON practitioner_role (practitioner_id);
`

type patientRepoSQLite struct {
	db *sql.DB
}

// NewPatientRepoSQLite returns a repository over the embedded store's
// database. The schema is created by mpi.OpenSQLiteStore.
func NewPatientRepoSQLite(sqlDB *sql.DB) PatientRepository {
	return &patientRepoSQLite{db: sqlDB}
}

func (r *patientRepoSQLite) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO patient (id, mrn, first_name, last_name, birth_date, gender, phone, email, address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at`,
		p.ID.String(), nullIfEmpty(p.MRN), p.FirstName, p.LastName, dateString(p.BirthDate),
		p.Gender, p.Phone, p.Email, p.Address,
	)
	return scanTimestamps(row, p)
}

func (r *patientRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanSQLitePatient(r.db.QueryRowContext(ctx, `SELECT `+patientCols+` FROM patient WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *patientRepoSQLite) FindExact(ctx context.Context, firstName, lastName string, birthDate *time.Time) (*Patient, error) {
	p, err := scanSQLitePatient(r.db.QueryRowContext(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE lower(first_name) = lower(?) AND lower(last_name) = lower(?) AND birth_date IS ?
		ORDER BY created_at, id
		LIMIT 1`, firstName, lastName, dateString(birthDate)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *patientRepoSQLite) Update(ctx context.Context, p *Patient) error {
	row := r.db.QueryRowContext(ctx, `
		UPDATE patient SET
			mrn = ?, first_name = ?, last_name = ?, birth_date = ?, gender = ?, phone = ?, email = ?, address = ?,
			updated_at = `+sqliteTimestamp+`
		WHERE id = ?
		RETURNING created_at, updated_at`,
		nullIfEmpty(p.MRN), p.FirstName, p.LastName, dateString(p.BirthDate),
		p.Gender, p.Phone, p.Email, p.Address, p.ID.String(),
	)
	err := scanTimestamps(row, p)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *patientRepoSQLite) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM patient WHERE id = ?`, id.String())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrHasRelations
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoSQLite) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Patient, int, error) {
	q, err := searchQuery(params, db.Question)
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	query, args := q.SQL(limit, offset)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	items := []*Patient{}
	for rows.Next() {
		p, err := scanSQLitePatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoSQLite) Metrics(ctx context.Context) (*PatientMetrics, error) {
	var m PatientMetrics
	err := r.db.QueryRowContext(ctx, metricsSQL).Scan(
		&m.TotalPatients, &m.PatientsWithEncounters, &m.PatientsWithConditions, &m.PatientsWithObservations)
	if err != nil {
		return nil, fmt.Errorf("patient metrics: %w", err)
	}
	return &m, nil
}

func scanSQLitePatient(row scannable) (*Patient, error) {
	var (
		p                                       Patient
		id, created, updated                    string
		mrn, dob, gender, phone, email, address sql.NullString
	)
	err := row.Scan(&id, &mrn, &p.FirstName, &p.LastName, &dob, &gender, &phone, &email, &address, &created, &updated)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("patient id %q: %w", id, err)
	}
	if dob.Valid && dob.String != "" {
		d, err := time.Parse(time.DateOnly, dob.String)
		if err != nil {
			return nil, fmt.Errorf("patient %s birth_date: %w", id, err)
		}
		p.BirthDate = &d
	}
	p.MRN = mrn.String
	p.Gender = nullable(gender)
	p.Phone = nullable(phone)
	p.Email = nullable(email)
	p.Address = nullable(address)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("patient %s created_at: %w", id, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("patient %s updated_at: %w", id, err)
	}
	return &p, nil
}

func scanTimestamps(row scannable, p *Patient) error {
	var created, updated string
	if err := row.Scan(&created, &updated); err != nil {
		return err
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return err
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	return err
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.DateOnly)
	return &s
}

// -- Practitioner Repository --

type practitionerRepoSQLite struct {
	db *sql.DB
}

// NewPractitionerRepoSQLite creates the practitioner tables if needed and
// returns a repository over sqlDB.
func NewPractitionerRepoSQLite(ctx context.Context, sqlDB *sql.DB) (PractitionerRepository, error) {
	if _, err := sqlDB.ExecContext(ctx, PractitionerSQLiteSchema); err != nil {
		return nil, fmt.Errorf("apply practitioner schema: %w", err)
	}
	return &practitionerRepoSQLite{db: sqlDB}, nil
}

func (r *practitionerRepoSQLite) Create(ctx context.Context, p *Practitioner) error {
	p.ID = uuid.New()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO practitioner (id, identifier, first_name, last_name, specialty, email, phone, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at, updated_at`,
		p.ID.String(), p.Identifier, p.FirstName, p.LastName, p.Specialty, p.Email, p.Phone, p.Active,
	)
	return sqliteUniqueError(scanPractitionerTimestamps(row, p))
}

func (r *practitionerRepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	p, err := scanSQLitePractitioner(r.db.QueryRowContext(ctx, `SELECT `+practitionerCols+` FROM practitioner WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPractitionerNotFound
	}
	return p, err
}

func (r *practitionerRepoSQLite) FindConflict(ctx context.Context, identifier, email string, exclude uuid.UUID) (string, error) {
	var field string
	err := r.db.QueryRowContext(ctx, conflictSQL, identifier, identifier, email, exclude.String(), identifier).Scan(&field)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return field, err
}

func (r *practitionerRepoSQLite) Update(ctx context.Context, p *Practitioner) error {
	row := r.db.QueryRowContext(ctx, `
		UPDATE practitioner SET
			identifier = ?, first_name = ?, last_name = ?, specialty = ?, email = ?, phone = ?, active = ?,
			updated_at = `+sqliteTimestamp+`
		WHERE id = ?
		RETURNING created_at, updated_at`,
		p.Identifier, p.FirstName, p.LastName, p.Specialty, p.Email, p.Phone, p.Active, p.ID.String(),
	)
	err := scanPractitionerTimestamps(row, p)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPractitionerNotFound
	}
	return sqliteUniqueError(err)
}

func (r *practitionerRepoSQLite) Deactivate(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE practitioner SET active = 0, updated_at = `+sqliteTimestamp+` WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPractitionerNotFound
	}
	return nil
}

func (r *practitionerRepoSQLite) Search(ctx context.Context, params PractitionerSearchParams, limit, offset int) ([]*Practitioner, int, error) {
	q, err := practitionerSearchQuery(params, db.Question)
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.db.QueryRowContext(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count practitioners: %w", err)
	}

	query, args := q.SQL(limit, offset)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search practitioners: %w", err)
	}
	defer rows.Close()

	items := []*Practitioner{}
	for rows.Next() {
		p, err := scanSQLitePractitioner(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *practitionerRepoSQLite) AddRole(ctx context.Context, role *PractitionerRole) error {
	role.ID = uuid.New()
	var org *string
	if role.OrganizationID != nil {
		s := role.OrganizationID.String()
		org = &s
	}
	var created string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO practitioner_role (id, practitioner_id, organization_id, role_code, role_display, active)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING created_at`,
		role.ID.String(), role.PractitionerID.String(), org, role.RoleCode, role.RoleDisplay, role.Active,
	).Scan(&created)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrPractitionerNotFound
		}
		return err
	}
	role.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	return err
}

func (r *practitionerRepoSQLite) GetRoles(ctx context.Context, practitionerID uuid.UUID) ([]*PractitionerRole, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+roleCols+` FROM practitioner_role
		WHERE practitioner_id = ?
		ORDER BY created_at, id`, practitionerID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []*PractitionerRole{}
	for rows.Next() {
		var (
			role               PractitionerRole
			id, owner, created string
			org, display       sql.NullString
		)
		if err := rows.Scan(&id, &owner, &org, &role.RoleCode, &display, &role.Active, &created); err != nil {
			return nil, err
		}
		if role.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("role id %q: %w", id, err)
		}
		if role.PractitionerID, err = uuid.Parse(owner); err != nil {
			return nil, fmt.Errorf("role %s practitioner_id: %w", id, err)
		}
		if org.Valid {
			o, err := uuid.Parse(org.String)
			if err != nil {
				return nil, fmt.Errorf("role %s organization_id: %w", id, err)
			}
			role.OrganizationID = &o
		}
		role.RoleDisplay = nullable(display)
		if role.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("role %s created_at: %w", id, err)
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

func (r *practitionerRepoSQLite) RemoveRole(ctx context.Context, practitionerID, roleID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM practitioner_role WHERE id = ? AND practitioner_id = ?`,
		roleID.String(), practitionerID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func scanSQLitePractitioner(row scannable) (*Practitioner, error) {
	var (
		p                    Practitioner
		id, created, updated string
		specialty, phone     sql.NullString
	)
	err := row.Scan(&id, &p.Identifier, &p.FirstName, &p.LastName, &specialty, &p.Email, &phone, &p.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("practitioner id %q: %w", id, err)
	}
	p.Specialty = nullable(specialty)
	p.Phone = nullable(phone)
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("practitioner %s created_at: %w", id, err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("practitioner %s updated_at: %w", id, err)
	}
	return &p, nil
}

func scanPractitionerTimestamps(row scannable, p *Practitioner) error {
	var created, updated string
	if err := row.Scan(&created, &updated); err != nil {
		return err
	}
	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return err
	}
	p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated)
	return err
}

// sqliteUniqueError maps "UNIQUE constraint failed: practitioner.<col>" to a
// ConflictError naming the column.
func sqliteUniqueError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(msg, "practitioner.email") {
		return &ConflictError{Field: "email"}
	}
	return &ConflictError{Field: "identifier"}
}
