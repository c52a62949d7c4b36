package snapshot

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/possync/possync/catalog"
	"github.com/rs/zerolog/log"
)

// Dump boilerplate the rewriter strips before statement splitting. A data-only
// dump opens with a block of session-variable statements that carry no rows.
var boilerplatePrefixes = []string{
	"SET ",
	"SELECT pg_catalog.set_config",
	"RESET ",
	"\\",
}

// insertRe matches the flat single-row insert form a data-only dump emits.
// Multi-tuple inserts and subquery inserts deliberately fall through.
var insertRe = regexp.MustCompile(`(?is)^INSERT\s+INTO\s+([\w".]+)\s*\(([^)]+)\)\s*VALUES\s*\((.*)\)$`)

// RewriteAsUpsert transforms a raw dump into an idempotent script where every
// flat row insertion becomes an insert-or-on-conflict statement, and writes it
// to the sibling upsert path. Plain replay of an INSERT-only dump against a
// non-empty database violates uniqueness constraints; the rewritten script is
// safely re-runnable after a mid-restore failure.
func RewriteAsUpsert(srcPath string, cat catalog.Catalog) (string, error) {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to read dump %s: %w", srcPath, err)
	}

	statements := SplitStatements(string(raw))
	out := make([]string, 0, len(statements))
	rewritten := 0

	for _, stmt := range statements {
		if upsert, ok := RewriteStatement(stmt, cat); ok {
			out = append(out, upsert+";")
			rewritten++
			continue
		}
		out = append(out, stmt+";")
	}

	destPath := UpsertPath(srcPath)
	content := strings.Join(out, "\n") + "\n"
	if err := os.WriteFile(destPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write upsert script %s: %w", destPath, err)
	}

	log.Info().
		Int("statements", len(statements)).
		Int("rewritten", rewritten).
		Str("script", destPath).
		Msg("Dump rewritten as upsert script")

	return destPath, nil
}

// SplitStatements strips dump metadata and splits the remaining text into
// individual statements on terminating semicolons. Semicolons inside quoted
// literals do not terminate; value text is otherwise opaque.
func SplitStatements(src string) []string {
	var kept []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if isBoilerplate(trimmed) {
			continue
		}
		kept = append(kept, line)
	}

	joined := strings.Join(kept, "\n")
	var statements []string
	var current strings.Builder
	inQuote := false

	for i := 0; i < len(joined); i++ {
		c := joined[i]
		if inQuote {
			current.WriteByte(c)
			if c == '\'' {
				if i+1 < len(joined) && joined[i+1] == '\'' {
					current.WriteByte(joined[i+1])
					i++
				} else {
					inQuote = false
				}
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
			current.WriteByte(c)
		case ';':
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
		default:
			current.WriteByte(c)
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

// RewriteStatement converts one flat single-row INSERT into an upsert using
// the table's conflict key from the catalog. Any other statement is returned
// unchanged with ok=false.
func RewriteStatement(stmt string, cat catalog.Catalog) (string, bool) {
	ins, ok := parseInsert(stmt)
	if !ok {
		return stmt, false
	}

	key := cat.Conflict(ins.Table)

	// Map normalized column names to their tokens as written in the dump, so
	// the emitted clause matches the dump's quoting.
	tokens := map[string]string{}
	for _, col := range ins.Columns {
		tokens[normalizeIdent(col)] = col
	}

	conflictCols := make([]string, 0, len(key))
	keySet := map[string]bool{}
	for _, k := range key {
		keySet[normalizeIdent(k)] = true
		if tok, found := tokens[normalizeIdent(k)]; found {
			conflictCols = append(conflictCols, tok)
		} else {
			conflictCols = append(conflictCols, k)
		}
	}

	var updates []string
	for _, col := range ins.Columns {
		if keySet[normalizeIdent(col)] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}

	// Every column in the conflict key leaves nothing to update
	if len(updates) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", stmt, strings.Join(conflictCols, ", ")), true
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s",
		stmt, strings.Join(conflictCols, ", "), strings.Join(updates, ", ")), true
}

type insertStatement struct {
	Table   string
	Columns []string
}

// parseInsert recognizes the single-row flat value-list insert form. The
// value list itself stays opaque; only its shape is checked.
func parseInsert(stmt string) (*insertStatement, bool) {
	m := insertRe.FindStringSubmatch(strings.TrimSpace(stmt))
	if m == nil {
		return nil, false
	}
	if !flatValueList(m[3]) {
		return nil, false
	}

	table := m[1]
	if idx := strings.LastIndexByte(table, '.'); idx >= 0 {
		table = table[idx+1:]
	}

	rawCols := strings.Split(m[2], ",")
	cols := make([]string, 0, len(rawCols))
	for _, c := range rawCols {
		if col := strings.TrimSpace(c); col != "" {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return nil, false
	}

	return &insertStatement{Table: table, Columns: cols}, true
}

// flatValueList reports whether the captured value text is a single flat
// tuple: every paren balances and no closing paren appears at the top level,
// which is what a multi-tuple VALUES list would produce.
func flatValueList(values string) bool {
	depth := 0
	inQuote := false
	for i := 0; i < len(values); i++ {
		c := values[i]
		if inQuote {
			if c == '\'' {
				if i+1 < len(values) && values[i+1] == '\'' {
					i++
				} else {
					inQuote = false
				}
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inQuote
}

func isBoilerplate(line string) bool {
	upper := strings.ToUpper(line)
	for _, prefix := range boilerplatePrefixes {
		if strings.HasPrefix(upper, strings.ToUpper(prefix)) {
			return true
		}
	}
	return false
}

func normalizeIdent(ident string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(ident), `"`))
}
