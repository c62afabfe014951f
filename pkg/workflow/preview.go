package workflow

import (
	"fmt"
	"slices"
	"strings"
)

const (
	previewRows     = 5
	previewValueLen = 100
)

// formatPreview renders the first rows of a result as pipe-separated
// values, for replies where no analysis could be produced.
func formatPreview(columns []string, rows []map[string]any, total int) string {
	if len(rows) == 0 {
		return "No rows returned."
	}
	shown := rows
	if len(shown) > previewRows {
		shown = shown[:previewRows]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(columns, ", "))
	fmt.Fprintf(&sb, "Rows (%d total, showing %d):\n", total, len(shown))
	for _, row := range shown {
		vals := make([]string, len(columns))
		for i, col := range columns {
			vals[i] = formatValue(row[col])
		}
		sb.WriteString(strings.Join(vals, " | "))
		sb.WriteByte('\n')
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func formatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprintf("%v", v)
	if len(s) > previewValueLen {
		s = s[:previewValueLen] + "..."
	}
	return s
}

// rowKeys returns the sorted keys of the first row.
func rowKeys(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	keys := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
