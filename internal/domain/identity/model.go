package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/mpi/internal/domain/mpi"
)

var (
	ErrNotFound = errors.New("patient not found")
	// ErrHasRelations is returned when deleting a patient that still owns
	// clinical records; merge it into another patient instead.
	ErrHasRelations = errors.New("patient still has clinical records")

	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrRoleNotFound         = errors.New("practitioner role not found")
)

// DuplicateError reports an existing patient with the same first name, last
// name and birth date.
type DuplicateError struct {
	Existing *Patient
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("patient %s already exists with the same name and birth date", e.Existing.ID)
}

// ConflictError reports a unique practitioner field whose value another
// practitioner already holds.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is already in use by another practitioner", e.Field)
}

// Patient maps to the patient table.
type Patient struct {
	ID        uuid.UUID  `json:"id"`
	MRN       string     `json:"mrn,omitempty"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Gender    *string    `json:"gender,omitempty"`
	Phone     *string    `json:"phone,omitempty"`
	Email     *string    `json:"email,omitempty"`
	Address   *string    `json:"address,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Record converts the patient to the form duplicate detection works on.
func (p *Patient) Record() mpi.PatientRecord {
	return mpi.PatientRecord{
		ID:          p.ID,
		Identifier:  p.MRN,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		DateOfBirth: p.BirthDate,
		Gender:      deref(p.Gender),
		Phone:       deref(p.Phone),
		Email:       deref(p.Email),
		Address:     deref(p.Address),
	}
}

// PatientInput is the create/update request body.
type PatientInput struct {
	MRN       string `json:"mrn" validate:"max=64"`
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	BirthDate string `json:"birth_date" validate:"omitempty,isodate"`
	Gender    string `json:"gender" validate:"omitempty,oneof=male female other unknown"`
	Phone     string `json:"phone" validate:"max=40"`
	Email     string `json:"email" validate:"omitempty,email,max=255"`
	Address   string `json:"address" validate:"max=500"`
}

// Patient builds a Patient from the trimmed input.
func (in PatientInput) Patient() (*Patient, error) {
	p := &Patient{
		MRN:       strings.TrimSpace(in.MRN),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Gender:    optional(in.Gender),
		Phone:     optional(in.Phone),
		Email:     optional(in.Email),
		Address:   optional(in.Address),
	}
	if d := strings.TrimSpace(in.BirthDate); d != "" {
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			return nil, fmt.Errorf("birth_date must be YYYY-MM-DD")
		}
		p.BirthDate = &t
	}
	return p, nil
}

// SearchParams filters patient listings. All fields are optional.
type SearchParams struct {
	Search    string `query:"search" json:"search" validate:"max=100"`
	MRN       string `query:"mrn" json:"mrn" validate:"max=64"`
	LastName  string `query:"last_name" json:"last_name" validate:"max=100"`
	BirthDate string `query:"birth_date" json:"birth_date" validate:"omitempty,isodate"`
}

// PatientMetrics counts registered patients and how many of them own each
// kind of clinical record.
type PatientMetrics struct {
	TotalPatients            int `json:"total_patients"`
	PatientsWithEncounters   int `json:"patients_with_encounters"`
	PatientsWithConditions   int `json:"patients_with_conditions"`
	PatientsWithObservations int `json:"patients_with_observations"`
}

// Practitioner maps to the practitioner table. Identifier and Email are
// unique across practitioners.
type Practitioner struct {
	ID         uuid.UUID `json:"id"`
	Identifier string    `json:"identifier"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Specialty  *string   `json:"specialty,omitempty"`
	Email      string    `json:"email"`
	Phone      *string   `json:"phone,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PractitionerInput is the create/update request body. Active defaults to
// true on create and is left unchanged on update when omitted.
type PractitionerInput struct {
	Identifier string `json:"identifier" validate:"required,max=50"`
	FirstName  string `json:"first_name" validate:"required,max=100"`
	LastName   string `json:"last_name" validate:"required,max=100"`
	Specialty  string `json:"specialty" validate:"max=100"`
	Email      string `json:"email" validate:"required,email,max=100"`
	Phone      string `json:"phone" validate:"max=25"`
	Active     *bool  `json:"active"`
}

// Practitioner builds a new, active-by-default Practitioner.
func (in PractitionerInput) Practitioner() *Practitioner {
	p := &Practitioner{Active: true}
	in.ApplyTo(p)
	return p
}

// ApplyTo overwrites p with the trimmed input, keeping p.Active when the
// input leaves it out.
func (in PractitionerInput) ApplyTo(p *Practitioner) {
	p.Identifier = strings.TrimSpace(in.Identifier)
	p.FirstName = strings.TrimSpace(in.FirstName)
	p.LastName = strings.TrimSpace(in.LastName)
	p.Specialty = optional(in.Specialty)
	p.Email = strings.ToLower(strings.TrimSpace(in.Email))
	p.Phone = optional(in.Phone)
	if in.Active != nil {
		p.Active = *in.Active
	}
}

// PractitionerSearchParams filters practitioner listings. Name and Specialty
// match substrings; Identifier matches exactly.
type PractitionerSearchParams struct {
	Name       string `query:"name" json:"name" validate:"max=100"`
	Identifier string `query:"identifier" json:"identifier" validate:"max=50"`
	Specialty  string `query:"specialty" json:"specialty" validate:"max=100"`
	Active     string `query:"active" json:"active" validate:"omitempty,oneof=true false"`
}

// PractitionerRole assigns a role to a practitioner, optionally within an
// organization.
type PractitionerRole struct {
	ID             uuid.UUID  `json:"id"`
	PractitionerID uuid.UUID  `json:"practitioner_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	RoleCode       string     `json:"role_code"`
	RoleDisplay    *string    `json:"role_display,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}

type PractitionerRoleInput struct {
	RoleCode       string `json:"role_code" validate:"required,max=50"`
	RoleDisplay    string `json:"role_display" validate:"max=100"`
	OrganizationID string `json:"organization_id" validate:"omitempty,uuid"`
}

// Role builds the role for practitionerID. OrganizationID has already been
// validated as a UUID.
func (in PractitionerRoleInput) Role(practitionerID uuid.UUID) *PractitionerRole {
	r := &PractitionerRole{
		PractitionerID: practitionerID,
		RoleCode:       strings.TrimSpace(in.RoleCode),
		RoleDisplay:    optional(in.RoleDisplay),
		Active:         true,
	}
	if id, err := uuid.Parse(in.OrganizationID); err == nil {
		r.OrganizationID = &id
	}
	return r
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
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
