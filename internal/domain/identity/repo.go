package identity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/platform/db"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	// FindExact returns the patient with the same names (case-insensitive)
	// and birth date, or nil when there is none.
	FindExact(ctx context.Context, firstName, lastName string, birthDate *time.Time) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*Patient, int, error)
	Metrics(ctx context.Context) (*PatientMetrics, error)
}

type PractitionerRepository interface {
	Create(ctx context.Context, p *Practitioner) error
	GetByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	// FindConflict names the first of identifier and email that a
	// practitioner other than exclude already holds, or returns "".
	FindConflict(ctx context.Context, identifier, email string, exclude uuid.UUID) (string, error)
	Update(ctx context.Context, p *Practitioner) error
	// Deactivate clears the active flag. Practitioners are never deleted.
	Deactivate(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params PractitionerSearchParams, limit, offset int) ([]*Practitioner, int, error)

	// Roles
	AddRole(ctx context.Context, role *PractitionerRole) error
	GetRoles(ctx context.Context, practitionerID uuid.UUID) ([]*PractitionerRole, error)
	RemoveRole(ctx context.Context, practitionerID, roleID uuid.UUID) error
}

const patientCols = `id, mrn, first_name, last_name, birth_date, gender, phone, email, address, created_at, updated_at`

const practitionerCols = `id, identifier, first_name, last_name, specialty, email, phone, active, created_at, updated_at`

const roleCols = `id, practitioner_id, organization_id, role_code, role_display, active, created_at`

// metricsSQL runs unchanged on both dialects.
const metricsSQL = `
	SELECT
		(SELECT COUNT(*) FROM patient),
		(SELECT COUNT(DISTINCT patient_id) FROM encounter),
		(SELECT COUNT(DISTINCT patient_id) FROM condition),
		(SELECT COUNT(DISTINCT patient_id) FROM observation)`

const conflictSQL = `
	SELECT CASE WHEN identifier = ? THEN 'identifier' ELSE 'email' END
	FROM practitioner
	WHERE (identifier = ? OR email = ?) AND id <> ?
	ORDER BY CASE WHEN identifier = ? THEN 0 ELSE 1 END
	LIMIT 1`

// searchQuery builds the listing query shared by both dialects.
func searchQuery(params SearchParams, ph db.Placeholder) (*db.SelectQuery, error) {
	q := db.NewSelect("patient", patientCols, ph)
	if params.Search != "" {
		q.WhereContains(params.Search, "first_name", "last_name", "mrn")
	}
	if params.MRN != "" {
		q.Where("mrn = ?", params.MRN)
	}
	if params.LastName != "" {
		q.Where("lower(last_name) = lower(?)", params.LastName)
	}
	if params.BirthDate != "" {
		d, err := time.Parse(time.DateOnly, params.BirthDate)
		if err != nil {
			return nil, fmt.Errorf("birth_date must be YYYY-MM-DD: %w", err)
		}
		if ph == db.Question {
			q.Where("birth_date = ?", d.Format(time.DateOnly))
		} else {
			q.Where("birth_date = ?", d)
		}
	}
	return q.OrderBy("last_name, first_name, id"), nil
}

func practitionerSearchQuery(params PractitionerSearchParams, ph db.Placeholder) (*db.SelectQuery, error) {
	q := db.NewSelect("practitioner", practitionerCols, ph)
	if params.Name != "" {
		q.WhereContains(params.Name, "first_name", "last_name")
	}
	if params.Identifier != "" {
		q.Where("identifier = ?", params.Identifier)
	}
	if params.Specialty != "" {
		q.WhereContains(params.Specialty, "specialty")
	}
	if params.Active != "" {
		active, err := strconv.ParseBool(params.Active)
		if err != nil {
			return nil, fmt.Errorf("active must be true or false: %w", err)
		}
		q.Where("active = ?", active)
	}
	return q.OrderBy("last_name, first_name, id"), nil
}
