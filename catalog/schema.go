package catalog

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Markers in the schema definition file. The back-office app declares its
// data model in a Prisma-style schema, one model block per table.
var (
	modelRe     = regexp.MustCompile(`^model\s+(\w+)\s*\{`)
	compositeRe = regexp.MustCompile(`^@@(?:unique|id)\(\s*\[([^\]]*)\]`)
	singleRe    = regexp.MustCompile(`^(\w+)\s+\S+.*@unique\b`)
)

// ParseSchema scans schema source text line by line and records the unique
// constraints declared inside each model block.
func ParseSchema(src string) Catalog {
	byModel := map[string][]ColumnSet{}
	current := ""

	scanner := bufio.NewScanner(strings.NewReader(src))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if m := modelRe.FindStringSubmatch(line); m != nil {
			current = m[1]
			continue
		}
		if line == "}" {
			current = ""
			continue
		}
		if current == "" {
			continue
		}

		if m := compositeRe.FindStringSubmatch(line); m != nil {
			if cols := splitColumns(m[1]); len(cols) > 0 {
				byModel[current] = append(byModel[current], cols)
			}
			continue
		}
		if m := singleRe.FindStringSubmatch(line); m != nil {
			byModel[current] = append(byModel[current], ColumnSet{m[1]})
		}
	}

	// Union under both the declared name and its snake_case form, so lookups
	// succeed whether the dump uses model names or storage-level identifiers.
	out := Catalog{}
	for name, sets := range byModel {
		out[name] = append(out[name], sets...)
		if snake := SnakeCase(name); snake != name {
			out[snake] = append(out[snake], sets...)
		}
	}
	return out
}

// ReadSchemaFile parses the schema definition at path. A read failure aborts
// the whole operation: an empty catalog would silently degrade every table to
// the id-only conflict key.
func ReadSchemaFile(path string) (Catalog, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", path, err)
	}
	return ParseSchema(string(src)), nil
}

func splitColumns(list string) ColumnSet {
	parts := strings.Split(list, ",")
	cols := make(ColumnSet, 0, len(parts))
	for _, p := range parts {
		if col := strings.TrimSpace(p); col != "" {
			cols = append(cols, col)
		}
	}
	return cols
}
