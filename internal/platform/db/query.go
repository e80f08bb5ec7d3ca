package db

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder is the bind-parameter style of a SQL dialect.
type Placeholder int

const (
	Dollar   Placeholder = iota // Postgres: $1, $2, ...
	Question                    // SQLite: ?
)

// SelectQuery builds a filtered SELECT. Clauses are written with ? marks and
// rebound to the dialect's placeholder style when the SQL is rendered.
type SelectQuery struct {
	table   string
	cols    string
	ph      Placeholder
	where   []string
	args    []interface{}
	orderBy string
}

// NewSelect creates a SelectQuery over table returning cols.
func NewSelect(table, cols string, ph Placeholder) *SelectQuery {
	return &SelectQuery{table: table, cols: cols, ph: ph}
}

// Where appends a clause ANDed with the others.
func (q *SelectQuery) Where(clause string, args ...interface{}) *SelectQuery {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
	return q
}

// WhereContains matches value as a case-insensitive substring of any of cols.
func (q *SelectQuery) WhereContains(value string, cols ...string) *SelectQuery {
	if len(cols) == 0 {
		return q
	}
	op := "ILIKE"
	if q.ph == Question {
		op = "LIKE" // SQLite LIKE is case-insensitive for ASCII
	}
	pattern := "%" + EscapeLike(value) + "%"
	parts := make([]string, len(cols))
	args := make([]interface{}, len(cols))
	for i, col := range cols {
		parts[i] = fmt.Sprintf(`%s %s ? ESCAPE '\'`, col, op)
		args[i] = pattern
	}
	return q.Where("("+strings.Join(parts, " OR ")+")", args...)
}

// OrderBy sets the ORDER BY clause (without the keyword).
func (q *SelectQuery) OrderBy(orderBy string) *SelectQuery {
	q.orderBy = orderBy
	return q
}

// SQL renders the data query. limit <= 0 means no limit.
func (q *SelectQuery) SQL(limit, offset int) (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.cols, q.table)
	q.writeWhere(&b)
	if q.orderBy != "" {
		b.WriteString(" ORDER BY " + q.orderBy)
	}
	args := append([]interface{}(nil), q.args...)
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
		if offset > 0 {
			b.WriteString(" OFFSET ?")
			args = append(args, offset)
		}
	}
	return q.rebind(b.String()), args
}

// CountSQL renders the matching COUNT(*) query.
func (q *SelectQuery) CountSQL() (string, []interface{}) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", q.table)
	q.writeWhere(&b)
	return q.rebind(b.String()), append([]interface{}(nil), q.args...)
}

func (q *SelectQuery) writeWhere(b *strings.Builder) {
	if len(q.where) == 0 {
		return
	}
	b.WriteString(" WHERE " + strings.Join(q.where, " AND "))
}

func (q *SelectQuery) rebind(sql string) string {
	if q.ph == Question {
		return sql
	}
	return Rebind(sql)
}

// Rebind rewrites ? marks to $1, $2, ... outside single-quoted literals.
func Rebind(sql string) string {
	var b strings.Builder
	b.Grow(len(sql) + 8)
	n := 0
	inQuote := false
	for _, r := range sql {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteString("$" + strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// EscapeLike escapes LIKE wildcards so value matches literally.
func EscapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}
