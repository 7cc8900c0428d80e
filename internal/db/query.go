package db

import (
	"database/sql"
	"strconv"
	"strings"
)

// Query is SQL text plus its arguments. Arguments are positional ("?"
// placeholders) or sql.Named values where the driver supports them.
type Query struct {
	SQL  string
	Args []any
}

// NewQuery builds a Query
func NewQuery(sql string, args ...any) Query {
	return Query{SQL: sql, Args: args}
}

// Row is one result row: ordered column names and a name → value mapping
type Row struct {
	columns []string
	values  []any
	byName  map[string]any
}

func newRow(columns []string, values []any) Row {
	byName := make(map[string]any, len(columns))
	for i, c := range columns {
		byName[c] = values[i]
	}
	return Row{columns: columns, values: values, byName: byName}
}

// Columns returns the column names in select order
func (r Row) Columns() []string {
	return r.columns
}

// Values returns the values in select order
func (r Row) Values() []any {
	return r.values
}

// Get returns the value of a column and whether the column exists
func (r Row) Get(column string) (any, bool) {
	v, ok := r.byName[column]
	return v, ok
}

// Value returns the value of a column, nil if absent
func (r Row) Value(column string) any {
	return r.byName[column]
}

// Map returns a copy of the row as a map
func (r Row) Map() map[string]any {
	out := make(map[string]any, len(r.byName))
	for k, v := range r.byName {
		out[k] = v
	}
	return out
}

// scanRows materializes all rows. []byte values are copied into strings
// since the driver may reuse the buffer.
func scanRows(rows *sql.Rows) ([]Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := []Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result = append(result, newRow(columns, values))
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Rebind rewrites "?" placeholders to the "$n" form postgres expects.
// Placeholders inside quoted strings or identifiers, dollar-quoted bodies
// and comments are left alone.
func Rebind(driver, query string) string {
	if driver != DriverPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	for i := 0; i < len(query); {
		end := i + 1
		switch c := query[i]; {
		case c == '\'' || c == '"':
			end = skipPast(query, i+1, string(c))
		case strings.HasPrefix(query[i:], "--"):
			end = skipPast(query, i+2, "\n")
		case strings.HasPrefix(query[i:], "/*"):
			end = skipPast(query, i+2, "*/")
		case c == '$':
			if tag := dollarTag(query[i:]); tag != "" {
				end = skipPast(query, i+len(tag), tag)
			}
		case c == '?':
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			i++
			continue
		}
		b.WriteString(query[i:end])
		i = end
	}
	return b.String()
}

// skipPast returns the index just after the first closer at or after from,
// or the end of s when there is none
func skipPast(s string, from int, closer string) int {
	k := strings.Index(s[from:], closer)
	if k < 0 {
		return len(s)
	}
	return from + k + len(closer)
}

// dollarTag returns the opening "$tag$" of a dollar-quoted string at the
// start of s, or "" when s does not start one
func dollarTag(s string) string {
	for k := 1; k < len(s); k++ {
		c := s[k]
		switch {
		case c == '$':
			return s[:k+1]
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && k > 1:
		default:
			return ""
		}
	}
	return ""
}
