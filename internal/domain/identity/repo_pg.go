package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/mpi/internal/platform/db"
)

// SQLSTATE codes.
const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type patientRepoPG struct {
	pool *pgxpool.Pool
}

func NewPatientRepo(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient (id, mrn, first_name, last_name, birth_date, gender, phone, email, address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		p.ID, nullIfEmpty(p.MRN), p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone, p.Email, p.Address,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (r *patientRepoPG) FindExact(ctx context.Context, firstName, lastName string, birthDate *time.Time) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE lower(first_name) = lower($1) AND lower(last_name) = lower($2)
		  AND birth_date IS NOT DISTINCT FROM $3
		ORDER BY created_at, id
		LIMIT 1`, firstName, lastName, birthDate))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *patientRepoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patient SET
			mrn=$2, first_name=$3, last_name=$4, birth_date=$5, gender=$6, phone=$7, email=$8, address=$9,
			updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		p.ID, nullIfEmpty(p.MRN), p.FirstName, p.LastName, p.BirthDate, p.Gender, p.Phone, p.Email, p.Address,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *patientRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrHasRelations
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Patient, int, error) {
	q, err := searchQuery(params, db.Dollar)
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}

	sql, args := q.SQL(limit, offset)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	items := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *patientRepoPG) Metrics(ctx context.Context) (*PatientMetrics, error) {
	var m PatientMetrics
	err := r.conn(ctx).QueryRow(ctx, metricsSQL).Scan(
		&m.TotalPatients, &m.PatientsWithEncounters, &m.PatientsWithConditions, &m.PatientsWithObservations)
	if err != nil {
		return nil, fmt.Errorf("patient metrics: %w", err)
	}
	return &m, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanPatient(row scannable) (*Patient, error) {
	var (
		p   Patient
		mrn *string
	)
	err := row.Scan(&p.ID, &mrn, &p.FirstName, &p.LastName, &p.BirthDate,
		&p.Gender, &p.Phone, &p.Email, &p.Address, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.MRN = deref(mrn)
	return &p, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// -- Practitioner Repository --

type practitionerRepoPG struct {
	pool *pgxpool.Pool
}

func NewPractitionerRepo(pool *pgxpool.Pool) PractitionerRepository {
	return &practitionerRepoPG{pool: pool}
}

func (r *practitionerRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *practitionerRepoPG) Create(ctx context.Context, p *Practitioner) error {
	p.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO practitioner (id, identifier, first_name, last_name, specialty, email, phone, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		p.ID, p.Identifier, p.FirstName, p.LastName, p.Specialty, p.Email, p.Phone, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return pgUniqueError(err)
}

func (r *practitionerRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	p, err := scanPractitioner(r.conn(ctx).QueryRow(ctx, `SELECT `+practitionerCols+` FROM practitioner WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPractitionerNotFound
	}
	return p, err
}

func (r *practitionerRepoPG) FindConflict(ctx context.Context, identifier, email string, exclude uuid.UUID) (string, error) {
	var field string
	err := r.conn(ctx).QueryRow(ctx, db.Rebind(conflictSQL), identifier, identifier, email, exclude, identifier).Scan(&field)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return field, err
}

func (r *practitionerRepoPG) Update(ctx context.Context, p *Practitioner) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE practitioner SET
			identifier=$2, first_name=$3, last_name=$4, specialty=$5, email=$6, phone=$7, active=$8,
			updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		p.ID, p.Identifier, p.FirstName, p.LastName, p.Specialty, p.Email, p.Phone, p.Active,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPractitionerNotFound
	}
	return pgUniqueError(err)
}

func (r *practitionerRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE practitioner SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPractitionerNotFound
	}
	return nil
}

func (r *practitionerRepoPG) Search(ctx context.Context, params PractitionerSearchParams, limit, offset int) ([]*Practitioner, int, error) {
	q, err := practitionerSearchQuery(params, db.Dollar)
	if err != nil {
		return nil, 0, err
	}

	countSQL, countArgs := q.CountSQL()
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count practitioners: %w", err)
	}

	sql, args := q.SQL(limit, offset)
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search practitioners: %w", err)
	}
	defer rows.Close()

	items := []*Practitioner{}
	for rows.Next() {
		p, err := scanPractitioner(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *practitionerRepoPG) AddRole(ctx context.Context, role *PractitionerRole) error {
	role.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO practitioner_role (id, practitioner_id, organization_id, role_code, role_display, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		role.ID, role.PractitionerID, role.OrganizationID, role.RoleCode, role.RoleDisplay, role.Active,
	).Scan(&role.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrPractitionerNotFound
	}
	return err
}

func (r *practitionerRepoPG) GetRoles(ctx context.Context, practitionerID uuid.UUID) ([]*PractitionerRole, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+roleCols+` FROM practitioner_role
		WHERE practitioner_id = $1
		ORDER BY created_at, id`, practitionerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	roles := []*PractitionerRole{}
	for rows.Next() {
		var role PractitionerRole
		if err := rows.Scan(&role.ID, &role.PractitionerID, &role.OrganizationID,
			&role.RoleCode, &role.RoleDisplay, &role.Active, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

func (r *practitionerRepoPG) RemoveRole(ctx context.Context, practitionerID, roleID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM practitioner_role WHERE id = $1 AND practitioner_id = $2`, roleID, practitionerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

func scanPractitioner(row scannable) (*Practitioner, error) {
	var p Practitioner
	err := row.Scan(&p.ID, &p.Identifier, &p.FirstName, &p.LastName, &p.Specialty,
		&p.Email, &p.Phone, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// pgUniqueError maps a unique violation on the practitioner table to a
// ConflictError naming the column.
func pgUniqueError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	if strings.Contains(pgErr.ConstraintName, "email") {
		return &ConflictError{Field: "email"}
	}
	return &ConflictError{Field: "identifier"}
}
