package catalog

import (
	"context"
	"database/sql"
	"fmt"
)

// uniqueIndexQuery lists the columns of every unique index in the public
// schema, primary keys included, in index column order. Reading pg_index
// directly keeps constraint discovery in step with what the database will
// actually enforce, independent of any schema file.
const uniqueIndexQuery = `
SELECT t.relname   AS table_name,
       ix.relname  AS index_name,
       a.attname   AS column_name,
       i.indisprimary
FROM pg_index i
JOIN pg_class t  ON t.oid = i.indrelid
JOIN pg_class ix ON ix.oid = i.indexrelid
JOIN pg_namespace n ON n.oid = t.relnamespace
JOIN unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
WHERE i.indisunique
  AND n.nspname = 'public'
ORDER BY t.relname, i.indisprimary, ix.relname, k.ord`

// Introspect builds a catalog from the live database's own index metadata
func Introspect(ctx context.Context, db *sql.DB) (Catalog, error) {
	rows, err := db.QueryContext(ctx, uniqueIndexQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to introspect unique indexes: %w", err)
	}
	defer rows.Close()

	byModel := map[string][]ColumnSet{}
	lastTable, lastIndex := "", ""

	for rows.Next() {
		var table, index, column string
		var isPrimary bool
		if err := rows.Scan(&table, &index, &column, &isPrimary); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}

		if table != lastTable || index != lastIndex {
			byModel[table] = append(byModel[table], ColumnSet{})
			lastTable, lastIndex = table, index
		}
		sets := byModel[table]
		sets[len(sets)-1] = append(sets[len(sets)-1], column)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index rows: %w", err)
	}

	out := Catalog{}
	for name, sets := range byModel {
		out[name] = append(out[name], sets...)
		if snake := SnakeCase(name); snake != name {
			out[snake] = append(out[snake], sets...)
		}
	}
	return out, nil
}
