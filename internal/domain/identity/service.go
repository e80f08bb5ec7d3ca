package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	patients      PatientRepository
	practitioners PractitionerRepository
	logger        zerolog.Logger
}

func NewService(patients PatientRepository, practitioners PractitionerRepository, logger zerolog.Logger) *Service {
	return &Service{
		patients:      patients,
		practitioners: practitioners,
		logger:        logger.With().Str("component", "identity").Logger(),
	}
}

// CreatePatient stores p unless a patient with the same first name, last name
// and birth date exists, in which case a *DuplicateError carrying that
// patient is returned.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	existing, err := s.patients.FindExact(ctx, p.FirstName, p.LastName, p.BirthDate)
	if err != nil {
		return fmt.Errorf("check existing patient: %w", err)
	}
	if existing != nil {
		s.logger.Info().Str("existing_id", existing.ID.String()).Msg("rejected exact duplicate patient")
		return &DuplicateError{Existing: existing}
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	return s.patients.Update(ctx, p)
}

func (s *Service) DeletePatient(ctx context.Context, id uuid.UUID) error {
	return s.patients.Delete(ctx, id)
}

func (s *Service) SearchPatients(ctx context.Context, params SearchParams, limit, offset int) ([]*Patient, int, error) {
	return s.patients.Search(ctx, params, limit, offset)
}

func (s *Service) PatientMetrics(ctx context.Context) (*PatientMetrics, error) {
	return s.patients.Metrics(ctx)
}

// -- Practitioner --

// CreatePractitioner stores p unless its identifier or email is taken, in
// which case a *ConflictError is returned.
func (s *Service) CreatePractitioner(ctx context.Context, p *Practitioner) error {
	if err := checkPractitioner(p); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, p.Identifier, p.Email, uuid.Nil); err != nil {
		return err
	}
	if err := s.practitioners.Create(ctx, p); err != nil {
		return fmt.Errorf("create practitioner: %w", err)
	}
	return nil
}

func (s *Service) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return s.practitioners.GetByID(ctx, id)
}

// UpdatePractitioner applies the same uniqueness rules as create, ignoring
// the practitioner's own values.
func (s *Service) UpdatePractitioner(ctx context.Context, p *Practitioner) error {
	if err := checkPractitioner(p); err != nil {
		return err
	}
	if err := s.checkUnique(ctx, p.Identifier, p.Email, p.ID); err != nil {
		return err
	}
	return s.practitioners.Update(ctx, p)
}

// DeactivatePractitioner marks the practitioner inactive. The record and its
// roles are kept.
func (s *Service) DeactivatePractitioner(ctx context.Context, id uuid.UUID) error {
	if err := s.practitioners.Deactivate(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("practitioner_id", id.String()).Msg("practitioner deactivated")
	return nil
}

func (s *Service) SearchPractitioners(ctx context.Context, params PractitionerSearchParams, limit, offset int) ([]*Practitioner, int, error) {
	return s.practitioners.Search(ctx, params, limit, offset)
}

func (s *Service) AddPractitionerRole(ctx context.Context, role *PractitionerRole) error {
	if role.PractitionerID == uuid.Nil {
		return fmt.Errorf("practitioner_id is required")
	}
	if role.RoleCode == "" {
		return fmt.Errorf("role_code is required")
	}
	if _, err := s.practitioners.GetByID(ctx, role.PractitionerID); err != nil {
		return err
	}
	return s.practitioners.AddRole(ctx, role)
}

func (s *Service) GetPractitionerRoles(ctx context.Context, practitionerID uuid.UUID) ([]*PractitionerRole, error) {
	if _, err := s.practitioners.GetByID(ctx, practitionerID); err != nil {
		return nil, err
	}
	return s.practitioners.GetRoles(ctx, practitionerID)
}

func (s *Service) RemovePractitionerRole(ctx context.Context, practitionerID, roleID uuid.UUID) error {
	return s.practitioners.RemoveRole(ctx, practitionerID, roleID)
}

func (s *Service) checkUnique(ctx context.Context, identifier, email string, exclude uuid.UUID) error {
	field, err := s.practitioners.FindConflict(ctx, identifier, email, exclude)
	if err != nil {
		return fmt.Errorf("check practitioner uniqueness: %w", err)
	}
	if field != "" {
		return &ConflictError{Field: field}
	}
	return nil
}

func checkPractitioner(p *Practitioner) error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"identifier", p.Identifier},
		{"first_name", p.FirstName},
		{"last_name", p.LastName},
		{"email", p.Email},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s required", strings.Join(missing, ", "))
	}
	return nil
}
