package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectQuery_Postgres(t *testing.T) {
	q := NewSelect("patient", "id, first_name", Dollar).
		WhereContains("ann", "first_name", "last_name").
		Where("birth_date = ?", "1990-01-02").
		OrderBy("created_at DESC")

	sql, args := q.SQL(10, 20)
	assert.Equal(t, `SELECT id, first_name FROM patient WHERE (first_name ILIKE $1 ESCAPE '\' OR last_name ILIKE $2 ESCAPE '\') AND birth_date = $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5`, sql)
	require.Len(t, args, 5)
	assert.Equal(t, "%ann%", args[0])
	assert.Equal(t, 10, args[3])
	assert.Equal(t, 20, args[4])

	count, cargs := q.CountSQL()
	assert.Equal(t, `SELECT COUNT(*) FROM patient WHERE (first_name ILIKE $1 ESCAPE '\' OR last_name ILIKE $2 ESCAPE '\') AND birth_date = $3`, count)
	assert.Len(t, cargs, 3)
}

func TestSelectQuery_SQLite(t *testing.T) {
	sql, args := NewSelect("patient", "id", Question).
		WhereContains("o'b", "last_name").
		SQL(0, 0)
	assert.Equal(t, `SELECT id FROM patient WHERE (last_name LIKE ? ESCAPE '\')`, sql)
	assert.Equal(t, []interface{}{"%o'b%"}, args)
}

func TestSelectQuery_NoFilters(t *testing.T) {
	sql, args := NewSelect("patient", "id", Dollar).SQL(0, 5)
	assert.Equal(t, "SELECT id FROM patient", sql)
	assert.Empty(t, args, "offset without limit is ignored")
}

func TestRebind_SkipsQuotedMarks(t *testing.T) {
	assert.Equal(t,
		`SELECT '?' AS q, a FROM t WHERE b = $1 AND c = $2`,
		Rebind(`SELECT '?' AS q, a FROM t WHERE b = ? AND c = ?`))
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"plain":   "plain",
		"50%":     `50\%`,
		"a_b":     `a\_b`,
		`back\sl`: `back\\sl`,
	}
	for in, want := range tests {
		assert.Equal(t, want, EscapeLike(in), in)
	}
}
