// Package merge builds the recurring delta-merge operation that upserts
// raw-layer rows into the refined layer.
//
// The statement matches rows by all entity key fields and resolves conflicts
// with one rule only: a matched row is updated when the source watermark is
// strictly greater than the refined row's. Ties leave the refined row
// unchanged, which makes re-running the merge against unchanged data a
// no-op. Generation is deterministic: identical metadata yields an identical
// statement, so registering the schedule twice never creates a duplicate.
package merge

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"sfingest/internal/metadata"
)

// DefaultCron is the fixed daily cadence for delta merges.
const DefaultCron = "30 14 * * *"

// Spec is the generated merge operation: the statement, the keys and
// watermark it was derived from, and the cadence it runs on.
type Spec struct {
	SQL            string
	KeyFields      []string
	WatermarkField string
	Cron           string
}

// ScheduleName returns the registration key for an entity's merge schedule.
func ScheduleName(entity string) string {
	return entity + "_delta_merge"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// Build derives the merge spec for an entity from its metadata and the two
// layer tables. The cron cadence is validated so a broken schedule is caught
// at generation time, not by the scheduler.
func Build(meta *metadata.EntityMetadata, rawTable, refinedTable string) (Spec, error) {
	if rawTable == "" || refinedTable == "" {
		return Spec{}, fmt.Errorf("merge: raw and refined table names are required")
	}
	if _, err := cron.ParseStandard(DefaultCron); err != nil {
		return Spec{}, fmt.Errorf("merge: invalid cron cadence %q: %w", DefaultCron, err)
	}

	keys := make(map[string]bool, len(meta.KeyFields))
	for _, k := range meta.KeyFields {
		keys[k] = true
	}

	names := meta.FieldNames()
	cols := make([]string, len(names))
	var conditions []string
	var updates []string
	var insertVals []string

	for i, name := range names {
		cols[i] = quoteIdent(name)
		insertVals = append(insertVals, "source."+quoteIdent(name))
		if !keys[name] {
			updates = append(updates, fmt.Sprintf("  target.%s = source.%s", quoteIdent(name), quoteIdent(name)))
		}
	}
	for _, k := range meta.KeyFields {
		conditions = append(conditions, fmt.Sprintf("source.%s = target.%s", quoteIdent(k), quoteIdent(k)))
	}

	wm := quoteIdent(meta.LastModifiedField)

	// Every field can be part of the key; a merge then only inserts.
	matched := ""
	if len(updates) > 0 {
		matched = fmt.Sprintf(
			"WHEN MATCHED AND source.%s > target.%s THEN UPDATE SET\n%s\n",
			wm, wm, strings.Join(updates, ",\n"),
		)
	}

	sql := fmt.Sprintf(
		`MERGE INTO %s AS target
USING (
  SELECT %s
  FROM %s
) AS source
ON %s
%sWHEN NOT MATCHED THEN INSERT (
  %s
) VALUES (
  %s
);`,
		quoteFQN(refinedTable),
		strings.Join(cols, ", "),
		quoteFQN(rawTable),
		strings.Join(conditions, " AND "),
		matched,
		strings.Join(cols, ", "),
		strings.Join(insertVals, ", "),
	)

	return Spec{
		SQL:            sql,
		KeyFields:      append([]string(nil), meta.KeyFields...),
		WatermarkField: meta.LastModifiedField,
		Cron:           DefaultCron,
	}, nil
}
