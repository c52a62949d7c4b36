// Package catalog discovers the uniqueness constraints of the node's tables.
// The conflict keys it yields drive upsert rewriting during snapshot restore.
package catalog

import (
	"strings"
	"unicode"
)

// ColumnSet is an ordered list of column names forming one unique constraint
type ColumnSet []string

// Catalog maps a table name to its candidate uniqueness constraints. Entries
// are keyed both by the declared model name and by its snake_case
// transliteration, so callers can look tables up in either convention.
type Catalog map[string][]ColumnSet

// Conflict picks the conflict key for a table: the first composite constraint
// if one exists, else the first single-column constraint, else the implicit
// primary key column.
func (c Catalog) Conflict(table string) ColumnSet {
	sets := c.lookup(table)
	for _, set := range sets {
		if len(set) > 1 {
			return set
		}
	}
	if len(sets) > 0 {
		return sets[0]
	}
	return ColumnSet{"id"}
}

// lookup tries the table name as given, then unquoted, then snake_cased
func (c Catalog) lookup(table string) []ColumnSet {
	if sets, ok := c[table]; ok {
		return sets
	}
	trimmed := strings.Trim(table, `"`)
	if sets, ok := c[trimmed]; ok {
		return sets
	}
	if sets, ok := c[SnakeCase(trimmed)]; ok {
		return sets
	}
	return nil
}

// SnakeCase transliterates a CamelCase identifier to snake_case
func SnakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
