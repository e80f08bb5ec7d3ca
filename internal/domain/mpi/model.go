package mpi

import (
	"time"

	"github.com/google/uuid"
)

// RelationType names a clinical table that carries a patient_id reference.
type RelationType string

const (
	RelationEncounter        RelationType = "encounter"
	RelationCondition        RelationType = "condition"
	RelationObservation      RelationType = "observation"
	RelationDiagnosticReport RelationType = "diagnostic_report"
	RelationConsent          RelationType = "consent"
)

// RelationTypes returns every dependent relation migrated by a merge, in
// the order the coordinator reassigns them.
func RelationTypes() []RelationType {
	return []RelationType{
		RelationEncounter,
		RelationCondition,
		RelationObservation,
		RelationDiagnosticReport,
		RelationConsent,
	}
}

// PatientRecord is the demographic snapshot used for matching and merging.
// It is decoupled from the identity domain model; stores map their own rows
// onto it.
type PatientRecord struct {
	ID          uuid.UUID  `json:"id"`
	Identifier  string     `json:"identifier,omitempty"`
	FirstName   string     `json:"first_name"`
	LastName    string     `json:"last_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
	Address     string     `json:"address,omitempty"`
}

// PairScore is one scored, unordered pair of patients.
type PairScore struct {
	MemberA uuid.UUID `json:"member_a"`
	MemberB uuid.UUID `json:"member_b"`
	Score   float64   `json:"score"`
}

// DuplicateGroup is one connected component of the match graph. It is a
// derived view recomputed on every detection run and is never stored.
type DuplicateGroup struct {
	GroupID      int             `json:"group_id"`
	MemberIDs    []uuid.UUID     `json:"member_ids"`
	AverageScore float64         `json:"average_score"`
	MaxScore     float64         `json:"max_score"`
	MinScore     float64         `json:"min_score"`
	Pairs        []PairScore     `json:"pairs"`
	Members      []PatientRecord `json:"members"`
}

// Size returns the number of members in the group.
func (g DuplicateGroup) Size() int { return len(g.MemberIDs) }

// Filter narrows the population loaded for a detection run. Search matches
// first name, last name or identifier as a case-insensitive substring.
type Filter struct {
	Search     string `json:"search,omitempty"`
	Identifier string `json:"identifier,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"` // YYYY-MM-DD
	Limit      int    `json:"limit,omitempty"`
}

// MergeRequest asks for DuplicateIDs to be absorbed into MasterID.
type MergeRequest struct {
	MasterID     uuid.UUID   `json:"master_id"`
	DuplicateIDs []uuid.UUID `json:"duplicate_ids"`
}

// MergeSummary describes what a merge changed (or would change, for a preview).
type MergeSummary struct {
	MasterID       uuid.UUID              `json:"master_id"`
	Absorbed       []uuid.UUID            `json:"absorbed"`
	RelationsMoved map[RelationType]int64 `json:"relations_moved"`
	FieldsAdopted  map[string]uuid.UUID   `json:"fields_adopted"`
	Preview        bool                   `json:"preview,omitempty"`
}

// MergeResult is the surviving master record and the merge summary.
type MergeResult struct {
	Master  PatientRecord `json:"master"`
	Summary MergeSummary  `json:"summary"`
}

func newMergeSummary(masterID uuid.UUID) MergeSummary {
	return MergeSummary{
		MasterID:       masterID,
		Absorbed:       []uuid.UUID{},
		RelationsMoved: make(map[RelationType]int64),
		FieldsAdopted:  make(map[string]uuid.UUID),
	}
}

// sameDate reports whether both dates are set and fall on the same calendar day.
func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
