// Package warehouse defines the analytical-warehouse contract consumed by the
// ingestion pipeline, plus backend-agnostic table definitions and errors.
//
// The pipeline requires exactly five capabilities: idempotent dataset and
// table provisioning, bulk load jobs from staged objects, ad-hoc statement
// execution, and idempotent scheduled-query registration. Everything
// dialect-specific lives in the backend subpackages.
package warehouse

import (
	"context"
	"fmt"
	"strings"

	"sfingest/internal/schemamap"
)

// Column is one column of a table definition. Type carries the logical
// target scalar; backends map it to their dialect.
type Column struct {
	Name     string
	Type     schemamap.Type
	Nullable bool
	Comment  string
}

// TableDef describes a table to provision. PartitionColumn names the
// watermark column used to organize the table physically; KeyColumns name
// the entity keys used for clustering. Both are optional.
type TableDef struct {
	Dataset         string
	Name            string
	Columns         []Column
	PartitionColumn string
	KeyColumns      []string
	Comment         string
}

// FQN returns the dotted dataset.table identifier.
func (t TableDef) FQN() string {
	return t.Dataset + "." + t.Name
}

// LoadJob describes a bulk load of staged NDJSON objects into an all-text
// table. Columns gives the destination column order; records are matched to
// columns by field name, not position. Truncate requests truncate-then-load
// semantics so re-running a load for the same run is safe.
type LoadJob struct {
	Table      string
	Columns    []string
	ObjectKeys []string
	Truncate   bool
}

// Schedule describes a recurring scheduled query. Registration is keyed by
// Name; re-registering an identical statement and cadence must not create a
// duplicate schedule.
type Schedule struct {
	Name           string
	SQL            string
	Cron           string
	ServiceAccount string
}

// Warehouse is the five-capability contract the pipeline consumes.
type Warehouse interface {
	// EnsureDataset creates the dataset if absent; no-op otherwise.
	EnsureDataset(ctx context.Context, name string) error

	// EnsureTable creates the table from def if absent and returns its
	// fully-qualified identifier. When the table exists, its columns are
	// checked against def; an incompatible schema fails with
	// *SchemaConflictError rather than being silently patched.
	EnsureTable(ctx context.Context, def TableDef) (string, error)

	// RunLoadJob appends staged objects into the job's table and returns the
	// number of rows loaded. An error state surfaces as *LoadJobError.
	RunLoadJob(ctx context.Context, job LoadJob) (int64, error)

	// RunQuery executes one SQL statement and returns the affected row count.
	RunQuery(ctx context.Context, sql string) (int64, error)

	// RegisterScheduledQuery registers or updates the schedule idempotently.
	RegisterScheduledQuery(ctx context.Context, sched Schedule) error
}

// SchemaConflictError reports an existing table whose columns are
// incompatible with the freshly mapped schema. This indicates a source schema
// change and requires a manual migration decision.
type SchemaConflictError struct {
	Table string
	Diffs []string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("warehouse: table %s conflicts with mapped schema: %s", e.Table, strings.Join(e.Diffs, "; "))
}

// LoadJobError reports a load job the warehouse ended in an error state.
type LoadJobError struct {
	JobID string
	Err   error
}

func (e *LoadJobError) Error() string {
	return fmt.Sprintf("warehouse: load job %s failed: %v", e.JobID, e.Err)
}

func (e *LoadJobError) Unwrap() error { return e.Err }

// DatasetID qualifies a dataset name with the owning layer's project
// identifier. Backends treat the result as a single namespace.
func DatasetID(project, dataset string) string {
	if project == "" {
		return dataset
	}
	return project + "_" + dataset
}

// TextColumns converts mapped field specs into the all-text column set used
// by raw staging tables. Order and names are preserved; every column is
// nullable text so the load job never fails on typing.
func TextColumns(specs []schemamap.FieldSpec) []Column {
	cols := make([]Column, len(specs))
	for i, s := range specs {
		cols[i] = Column{Name: s.Name, Type: schemamap.TypeString, Nullable: true}
	}
	return cols
}

// TypedColumns converts mapped field specs into typed columns for the target
// and refined tables.
func TypedColumns(specs []schemamap.FieldSpec) []Column {
	cols := make([]Column, len(specs))
	for i, s := range specs {
		cols[i] = Column{Name: s.Name, Type: s.Type, Nullable: s.Nullable, Comment: s.Description}
	}
	return cols
}
