// Package postgres implements the warehouse contract on Postgres using
// pgx v5. Datasets are schemas; load jobs are COPY operations fed from
// staged NDJSON objects; scheduled queries are rows in an ops catalog table,
// upserted idempotently by statement fingerprint.
package postgres

import (
	"fmt"
	"strings"

	"sfingest/internal/schemamap"
	"sfingest/internal/warehouse"
)

// SQLType maps a logical target scalar to its Postgres type.
func SQLType(t schemamap.Type) string {
	switch t {
	case schemamap.TypeInteger:
		return "BIGINT"
	case schemamap.TypeFloat:
		return "DOUBLE PRECISION"
	case schemamap.TypeBoolean:
		return "BOOLEAN"
	case schemamap.TypeTimestamp:
		return "TIMESTAMPTZ"
	case schemamap.TypeDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

// infoType is the information_schema.columns data_type string expected for a
// logical target scalar. Used by the schema compatibility check.
func infoType(t schemamap.Type) string {
	switch t {
	case schemamap.TypeInteger:
		return "bigint"
	case schemamap.TypeFloat:
		return "double precision"
	case schemamap.TypeBoolean:
		return "boolean"
	case schemamap.TypeTimestamp:
		return "timestamp with time zone"
	case schemamap.TypeDate:
		return "date"
	default:
		return "text"
	}
}

// ident quotes a single identifier.
func ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// fqn quotes a dotted dataset.table name part by part.
func fqn(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = ident(p)
	}
	return strings.Join(parts, ".")
}

// quoteLiteral renders a string literal for comment statements.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// BuildCreateTableSQL renders the CREATE TABLE IF NOT EXISTS statement for a
// table definition. The statement is deterministic for identical input, which
// keeps provisioning idempotent and regression-testable.
func BuildCreateTableSQL(def warehouse.TableDef) (string, error) {
	if strings.TrimSpace(def.Dataset) == "" || strings.TrimSpace(def.Name) == "" {
		return "", fmt.Errorf("postgres: table definition needs dataset and name")
	}
	if len(def.Columns) == 0 {
		return "", fmt.Errorf("postgres: table %s has no columns", def.FQN())
	}

	cols := make([]string, 0, len(def.Columns))
	for _, c := range def.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return "", fmt.Errorf("postgres: table %s has a column with an empty name", def.FQN())
		}
		var sb strings.Builder
		sb.WriteString("  ")
		sb.WriteString(ident(c.Name))
		sb.WriteByte(' ')
		sb.WriteString(SQLType(c.Type))
		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}
		cols = append(cols, sb.String())
	}

	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n%s\n);",
		fqn(def.FQN()),
		strings.Join(cols, ",\n"),
	), nil
}

// BuildIndexSQL renders the supporting index statements for a table
// definition: one on the partition (watermark) column and one composite on
// the key columns. Index names are derived from the table name so re-running
// the statements is a no-op.
func BuildIndexSQL(def warehouse.TableDef) []string {
	var stmts []string
	if def.PartitionColumn != "" {
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			ident("ix_"+def.Name+"_watermark"),
			fqn(def.FQN()),
			ident(def.PartitionColumn),
		))
	}
	if len(def.KeyColumns) > 0 {
		keys := make([]string, len(def.KeyColumns))
		for i, k := range def.KeyColumns {
			keys[i] = ident(k)
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			ident("ix_"+def.Name+"_keys"),
			fqn(def.FQN()),
			strings.Join(keys, ", "),
		))
	}
	return stmts
}

// BuildCommentSQL renders COMMENT statements for the table and any columns
// carrying a description.
func BuildCommentSQL(def warehouse.TableDef) []string {
	var stmts []string
	if def.Comment != "" {
		stmts = append(stmts, fmt.Sprintf("COMMENT ON TABLE %s IS %s;", fqn(def.FQN()), quoteLiteral(def.Comment)))
	}
	for _, c := range def.Columns {
		if c.Comment == "" {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"COMMENT ON COLUMN %s.%s IS %s;",
			fqn(def.FQN()), ident(c.Name), quoteLiteral(c.Comment),
		))
	}
	return stmts
}

// existingColumn is one row of the information_schema lookup.
type existingColumn struct {
	Name     string
	DataType string
}

// diffColumns compares an existing table's columns against a definition and
// returns human-readable differences. Empty result means compatible. Extra
// columns, missing columns, and type mismatches are all conflicts; nullability
// is deliberately not compared since the warehouse may have been relaxed
// manually without breaking loads.
func diffColumns(def warehouse.TableDef, existing []existingColumn) []string {
	var diffs []string

	have := make(map[string]string, len(existing))
	for _, c := range existing {
		have[c.Name] = c.DataType
	}
	want := make(map[string]bool, len(def.Columns))

	for _, c := range def.Columns {
		want[c.Name] = true
		got, ok := have[c.Name]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("missing column %q", c.Name))
			continue
		}
		if got != infoType(c.Type) {
			diffs = append(diffs, fmt.Sprintf("column %q is %s, mapped schema wants %s", c.Name, got, infoType(c.Type)))
		}
	}
	for _, c := range existing {
		if !want[c.Name] {
			diffs = append(diffs, fmt.Sprintf("unexpected column %q", c.Name))
		}
	}
	return diffs
}
