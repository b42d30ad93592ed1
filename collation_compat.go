package main

import (
	"fmt"
	"sort"
	"strings"
)

// collectCollationWarnings reports source collations found in the selected
// tables. When the destination compares text case-sensitively it also warns
// about case-insensitive (_ci) collations, and about primary keys and unique
// indexes on such columns whose uniqueness semantics change with the copy.
func collectCollationWarnings(tables []Table, target Platform) []string {
	collations := make(map[string]bool)
	// _ci collation → count of columns using it
	ciCounts := make(map[string]int)
	// _ci collation → "table.column" entries covered by a unique key
	ciUniqueRefs := make(map[string][]string)

	for _, t := range tables {
		uniqueCols := make(map[string]bool)
		for _, c := range t.PrimaryKey {
			uniqueCols[c] = true
		}
		for _, idx := range t.Indexes {
			if idx.Unique {
				for _, c := range idx.Columns {
					uniqueCols[c] = true
				}
			}
		}

		for _, col := range t.Columns {
			if col.Collation == "" {
				continue
			}
			collations[col.Collation] = true
			if !isCaseInsensitiveCollation(col.Collation) {
				continue
			}
			ciCounts[col.Collation]++
			if uniqueCols[col.Name] {
				ciUniqueRefs[col.Collation] = append(ciUniqueRefs[col.Collation], t.Name+"."+col.Name)
			}
		}
	}

	var warnings []string
	if len(collations) > 0 {
		warnings = append(warnings, fmt.Sprintf("source collations found: %s", strings.Join(sortedKeys(collations), ", ")))
	}
	if target.DDL().caseInsensitive {
		return warnings
	}

	for _, coll := range sortedKeys(ciCounts) {
		warnings = append(warnings, fmt.Sprintf(
			"%d column(s) use %s (case-insensitive); %s text comparisons are case-sensitive by default",
			ciCounts[coll], coll, target.Label()))
	}
	for _, coll := range sortedKeys(ciUniqueRefs) {
		warnings = append(warnings, fmt.Sprintf(
			"unique key on %s column(s), values differing only in case may now coexist: %s",
			coll, strings.Join(ciUniqueRefs[coll], ", ")))
	}
	return warnings
}

// isCaseInsensitiveCollation recognises MySQL (utf8mb4_general_ci) and SQL
// Server (SQL_Latin1_General_CP1_CI_AS) spellings.
func isCaseInsensitiveCollation(name string) bool {
	n := strings.ToLower(name)
	return strings.HasSuffix(n, "_ci") || strings.Contains(n, "_ci_")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
