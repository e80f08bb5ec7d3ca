package identity

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/mpi/internal/domain/mpi"
	"github.com/ehr/mpi/internal/platform/db"
)

func newSQLiteRepo(t *testing.T) (PatientRepository, *mpi.SQLiteStore) {
	t.Helper()
	store, err := mpi.OpenSQLiteStore(filepath.Join(t.TempDir(), "mpi.db"), mpi.DefaultLockOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewPatientRepoSQLite(store.DB()), store
}

func newSQLitePractitionerRepo(t *testing.T) PractitionerRepository {
	t.Helper()
	_, store := newSQLiteRepo(t)
	repo, err := NewPractitionerRepoSQLite(context.Background(), store.DB())
	require.NoError(t, err)
	return repo
}

func TestSQLiteRepo_CRUD(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	email := "ana@example.com"

	p := &Patient{MRN: "M1", FirstName: "Ana", LastName: "Lopez", BirthDate: date("1990-01-02"), Email: &email}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)
	require.False(t, p.CreatedAt.IsZero())

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "M1", got.MRN)
	require.NotNil(t, got.Email)
	assert.Equal(t, email, *got.Email)
	assert.Nil(t, got.Phone)
	require.NotNil(t, got.BirthDate)
	assert.True(t, got.BirthDate.Equal(*p.BirthDate), "birth date not round-tripped: %v", got.BirthDate)

	got.LastName = "Garcia"
	got.Email = nil
	require.NoError(t, repo.Update(ctx, got))
	again, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Garcia", again.LastName)
	assert.Nil(t, again.Email)

	require.NoError(t, repo.Delete(ctx, p.ID))
	_, err = repo.GetByID(ctx, p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, p.ID), ErrNotFound, "deleting twice")
	assert.ErrorIs(t, repo.Update(ctx, &Patient{ID: uuid.New(), FirstName: "X", LastName: "Y"}), ErrNotFound)
}

func TestSQLiteRepo_FindExact(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	withDOB := &Patient{FirstName: "Ana", LastName: "Lopez", BirthDate: date("1990-01-02")}
	noDOB := &Patient{FirstName: "Ben", LastName: "Ode"}
	require.NoError(t, repo.Create(ctx, withDOB))
	require.NoError(t, repo.Create(ctx, noDOB))

	got, err := repo.FindExact(ctx, "ANA", "lopez", date("1990-01-02"))
	require.NoError(t, err)
	require.NotNil(t, got, "expected a case-insensitive match")
	assert.Equal(t, withDOB.ID, got.ID)

	got, err = repo.FindExact(ctx, "Ana", "Lopez", nil)
	require.NoError(t, err)
	assert.Nil(t, got, "nil birth date must not match a known one")

	got, err = repo.FindExact(ctx, "Ben", "Ode", nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, noDOB.ID, got.ID)

	got, err = repo.FindExact(ctx, "Nobody", "Here", nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteRepo_Search(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	for _, p := range []*Patient{
		{MRN: "A1", FirstName: "Ana", LastName: "Lopez"},
		{MRN: "A2", FirstName: "Luis", LastName: "Lopez", BirthDate: date("1985-05-05")},
		{MRN: "B1", FirstName: "Maria", LastName: "Garcia"},
	} {
		require.NoError(t, repo.Create(ctx, p))
	}

	items, total, err := repo.Search(ctx, SearchParams{LastName: "LOPEZ"}, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 1)
	assert.Equal(t, "Ana", items[0].FirstName)

	items, total, err = repo.Search(ctx, SearchParams{Search: "mar"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Garcia", items[0].LastName)

	items, total, err = repo.Search(ctx, SearchParams{BirthDate: "1985-05-05"}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "A2", items[0].MRN)

	items, total, err = repo.Search(ctx, SearchParams{MRN: "none"}, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.NotNil(t, items, "expected an empty non-nil page")
}

func TestSQLiteRepo_DeleteWithRelations(t *testing.T) {
	repo, store := newSQLiteRepo(t)
	ctx := context.Background()

	p := &Patient{FirstName: "Ana", LastName: "Lopez"}
	require.NoError(t, repo.Create(ctx, p))
	_, err := store.AddRelation(ctx, mpi.RelationEncounter, p.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Delete(ctx, p.ID), ErrHasRelations)
}

func TestSQLiteRepo_Metrics(t *testing.T) {
	repo, store := newSQLiteRepo(t)
	ctx := context.Background()

	m, err := repo.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, PatientMetrics{}, *m)

	ana := &Patient{FirstName: "Ana", LastName: "Lopez"}
	luis := &Patient{FirstName: "Luis", LastName: "Lopez"}
	require.NoError(t, repo.Create(ctx, ana))
	require.NoError(t, repo.Create(ctx, luis))
	require.NoError(t, repo.Create(ctx, &Patient{FirstName: "Maria", LastName: "Garcia"}))
	for _, rel := range []struct {
		kind mpi.RelationType
		id   uuid.UUID
	}{
		{mpi.RelationEncounter, ana.ID},
		{mpi.RelationEncounter, ana.ID},
		{mpi.RelationEncounter, luis.ID},
		{mpi.RelationCondition, luis.ID},
	} {
		_, err := store.AddRelation(ctx, rel.kind, rel.id)
		require.NoError(t, err)
	}

	m, err = repo.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, PatientMetrics{
		TotalPatients:            3,
		PatientsWithEncounters:   2,
		PatientsWithConditions:   1,
		PatientsWithObservations: 0,
	}, *m)
}

func TestSearchQuery(t *testing.T) {
	q, err := searchQuery(SearchParams{Search: "an", LastName: "Lopez"}, db.Dollar)
	require.NoError(t, err)
	sql, args := q.SQL(20, 40)
	assert.True(t, strings.HasPrefix(sql, "SELECT "+patientCols+" FROM patient WHERE"), sql)
	assert.Contains(t, sql, "lower(last_name) = lower($4)")
	assert.Contains(t, sql, "ORDER BY last_name, first_name, id LIMIT $5 OFFSET $6")
	assert.Len(t, args, 6)

	_, err = searchQuery(SearchParams{BirthDate: "01/02/1990"}, db.Question)
	assert.Error(t, err, "expected error for a non ISO birth date")
}

func TestSQLitePractitionerRepo_CRUD(t *testing.T) {
	repo := newSQLitePractitionerRepo(t)
	ctx := context.Background()
	specialty := "Diagnostics"

	p := &Practitioner{Identifier: "NPI-1", FirstName: "Gregory", LastName: "House", Email: "house@example.com", Specialty: &specialty, Active: true}
	require.NoError(t, repo.Create(ctx, p))
	require.NotEqual(t, uuid.Nil, p.ID)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "NPI-1", got.Identifier)
	require.NotNil(t, got.Specialty)
	assert.Equal(t, specialty, *got.Specialty)
	assert.Nil(t, got.Phone)
	assert.True(t, got.Active)

	got.Specialty = nil
	got.LastName = "House MD"
	require.NoError(t, repo.Update(ctx, got))
	require.NoError(t, repo.Deactivate(ctx, p.ID))
	again, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "House MD", again.LastName)
	assert.Nil(t, again.Specialty)
	assert.False(t, again.Active)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrPractitionerNotFound)
	assert.ErrorIs(t, repo.Deactivate(ctx, uuid.New()), ErrPractitionerNotFound)
	ghost := &Practitioner{ID: uuid.New(), Identifier: "X", FirstName: "X", LastName: "Y", Email: "x@example.com"}
	assert.ErrorIs(t, repo.Update(ctx, ghost), ErrPractitionerNotFound)
}

func TestSQLitePractitionerRepo_Uniqueness(t *testing.T) {
	repo := newSQLitePractitionerRepo(t)
	ctx := context.Background()
	house := &Practitioner{Identifier: "NPI-1", FirstName: "Gregory", LastName: "House", Email: "house@example.com", Active: true}
	require.NoError(t, repo.Create(ctx, house))

	field, err := repo.FindConflict(ctx, "NPI-1", "other@example.com", uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, "identifier", field)

	field, err = repo.FindConflict(ctx, "NPI-2", "house@example.com", uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, "email", field)

	field, err = repo.FindConflict(ctx, "NPI-1", "house@example.com", house.ID)
	require.NoError(t, err)
	assert.Empty(t, field, "a practitioner never conflicts with itself")

	var conflict *ConflictError
	err = repo.Create(ctx, &Practitioner{Identifier: "NPI-2", FirstName: "James", LastName: "Wilson", Email: "house@example.com", Active: true})
	require.ErrorAs(t, err, &conflict, "the unique index backs the service check")
	assert.Equal(t, "email", conflict.Field)
}

func TestSQLitePractitionerRepo_Search(t *testing.T) {
	repo := newSQLitePractitionerRepo(t)
	ctx := context.Background()
	oncology, endo := "Oncology", "Endocrinology"
	for _, p := range []*Practitioner{
		{Identifier: "NPI-1", FirstName: "Gregory", LastName: "House", Email: "house@example.com", Active: true},
		{Identifier: "NPI-2", FirstName: "James", LastName: "Wilson", Email: "wilson@example.com", Specialty: &oncology, Active: true},
		{Identifier: "NPI-3", FirstName: "Lisa", LastName: "Cuddy", Email: "cuddy@example.com", Specialty: &endo},
	} {
		require.NoError(t, repo.Create(ctx, p))
	}

	tests := []struct {
		name   string
		params PractitionerSearchParams
		want   []string
	}{
		{"all", PractitionerSearchParams{}, []string{"Cuddy", "House", "Wilson"}},
		{"name", PractitionerSearchParams{Name: "JAM"}, []string{"Wilson"}},
		{"identifier", PractitionerSearchParams{Identifier: "NPI-1"}, []string{"House"}},
		{"specialty", PractitionerSearchParams{Specialty: "ology"}, []string{"Cuddy", "Wilson"}},
		{"inactive", PractitionerSearchParams{Active: "false"}, []string{"Cuddy"}},
		{"active", PractitionerSearchParams{Active: "true"}, []string{"House", "Wilson"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := repo.Search(ctx, tt.params, 10, 0)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), total)
			got := make([]string, len(items))
			for i, p := range items {
				got[i] = p.LastName
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := repo.Search(ctx, PractitionerSearchParams{Active: "maybe"}, 10, 0)
	assert.Error(t, err)
}

func TestSQLitePractitionerRepo_Roles(t *testing.T) {
	repo := newSQLitePractitionerRepo(t)
	ctx := context.Background()
	p := &Practitioner{Identifier: "NPI-1", FirstName: "Gregory", LastName: "House", Email: "house@example.com", Active: true}
	require.NoError(t, repo.Create(ctx, p))

	org := uuid.New()
	display := "Attending physician"
	role := &PractitionerRole{PractitionerID: p.ID, OrganizationID: &org, RoleCode: "attending", RoleDisplay: &display, Active: true}
	require.NoError(t, repo.AddRole(ctx, role))
	require.NoError(t, repo.AddRole(ctx, &PractitionerRole{PractitionerID: p.ID, RoleCode: "consultant", Active: true}))

	roles, err := repo.GetRoles(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	byCode := map[string]*PractitionerRole{}
	for _, r := range roles {
		byCode[r.RoleCode] = r
	}
	require.Contains(t, byCode, "attending")
	assert.Equal(t, role.ID, byCode["attending"].ID)
	require.NotNil(t, byCode["attending"].OrganizationID)
	assert.Equal(t, org, *byCode["attending"].OrganizationID)
	require.NotNil(t, byCode["attending"].RoleDisplay)
	assert.Equal(t, display, *byCode["attending"].RoleDisplay)
	require.Contains(t, byCode, "consultant")
	assert.Nil(t, byCode["consultant"].OrganizationID)

	assert.ErrorIs(t, repo.AddRole(ctx, &PractitionerRole{PractitionerID: uuid.New(), RoleCode: "x"}), ErrPractitionerNotFound)
	assert.ErrorIs(t, repo.RemoveRole(ctx, uuid.New(), role.ID), ErrRoleNotFound, "role belongs to another practitioner")
	require.NoError(t, repo.RemoveRole(ctx, p.ID, role.ID))
	assert.ErrorIs(t, repo.RemoveRole(ctx, p.ID, role.ID), ErrRoleNotFound)

	roles, err = repo.GetRoles(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, roles, 1)
}
