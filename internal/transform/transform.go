// Package transform generates the type-resolution statement that reads the
// all-text raw staging table and writes correctly typed rows into the target
// table.
//
// The whole load is one INSERT ... SELECT: a structurally invalid cast fails
// the statement, and with it the run. Rows are never silently dropped or
// quarantined. Empty strings become NULL only for nullable columns; for
// non-nullable columns the empty string reaches the cast and fails it, which
// is the intended data-quality signal.
package transform

import (
	"fmt"
	"strings"

	"sfingest/internal/schemamap"
)

// quoteIdent quotes a column identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// quoteFQN quotes a dotted dataset.table name part by part.
func quoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// castExpr renders the cast expression for one column. Source timestamps
// arrive in the wire format /Date(<epoch-millis>)/ and are unpacked here;
// every other type is a straight cast.
func castExpr(spec schemamap.FieldSpec) string {
	col := quoteIdent(spec.Name)
	in := col
	if spec.Nullable {
		in = fmt.Sprintf("NULLIF(%s, '')", col)
	}

	switch spec.Type {
	case schemamap.TypeString:
		return col
	case schemamap.TypeInteger:
		return fmt.Sprintf("CAST(%s AS BIGINT)", in)
	case schemamap.TypeFloat:
		return fmt.Sprintf("CAST(%s AS DOUBLE PRECISION)", in)
	case schemamap.TypeBoolean:
		return fmt.Sprintf("CAST(%s AS BOOLEAN)", in)
	case schemamap.TypeDate:
		return fmt.Sprintf("CAST(%s AS DATE)", in)
	case schemamap.TypeTimestamp:
		return fmt.Sprintf(
			`to_timestamp(CAST(substring(%s FROM '/Date\(([-+]?[0-9]+)') AS BIGINT) / 1000.0)`,
			in,
		)
	default:
		return col
	}
}

// BuildCastQuery renders the INSERT ... SELECT statement that casts every
// raw text column into its target type. Output is deterministic for
// identical input: columns appear in spec order with stable formatting.
func BuildCastQuery(targetTable, rawTable string, specs []schemamap.FieldSpec) (string, error) {
	if targetTable == "" || rawTable == "" {
		return "", fmt.Errorf("transform: target and raw table names are required")
	}
	if len(specs) == 0 {
		return "", fmt.Errorf("transform: at least one column is required")
	}

	cols := make([]string, len(specs))
	exprs := make([]string, len(specs))
	for i, spec := range specs {
		cols[i] = quoteIdent(spec.Name)
		exprs[i] = "  " + castExpr(spec) + " AS " + quoteIdent(spec.Name)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (\n  %s\n)\nSELECT\n%s\nFROM %s;",
		quoteFQN(targetTable),
		strings.Join(cols, ",\n  "),
		strings.Join(exprs, ",\n"),
		quoteFQN(rawTable),
	), nil
}

// BuildTruncate renders the statement that clears the target before a
// historical load. The load fully overwrites the run's window; it is not
// incremental.
func BuildTruncate(targetTable string) string {
	return fmt.Sprintf("TRUNCATE TABLE %s;", quoteFQN(targetTable))
}

// BuildDrop renders the statement that removes the all-text staging table
// once its rows have been cast into the target.
func BuildDrop(rawTable string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s;", quoteFQN(rawTable))
}
