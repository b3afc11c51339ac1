package postgres

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zeebo/xxh3"

	"sfingest/internal/warehouse"
	"sfingest/pkg/logger"
	"sfingest/pkg/records"
)

// scanBufferSize bounds a single NDJSON line read from a staged object.
const scanBufferSize = 4 << 20

// copyBatchSize is the number of rows buffered before each COPY.
const copyBatchSize = 5000

// ObjectReader is the slice of the object store the load path needs: staged
// objects are read back and copied into the raw table.
type ObjectReader interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Warehouse is the Postgres-backed warehouse implementation.
type Warehouse struct {
	pool  *pgxpool.Pool
	store ObjectReader
	log   logger.Logger
}

// New connects to the warehouse and returns it with a close function.
func New(ctx context.Context, dsn string, store ObjectReader, log logger.Logger) (*Warehouse, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: pgxpool: %w", err)
	}
	return &Warehouse{pool: pool, store: store, log: log}, pool.Close, nil
}

// EnsureDataset creates the dataset (schema) if absent.
func (w *Warehouse) EnsureDataset(ctx context.Context, name string) error {
	if _, err := w.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident(name)); err != nil {
		return fmt.Errorf("postgres: ensure dataset %s: %w", name, err)
	}
	return nil
}

// EnsureTable creates the table if absent, or verifies the existing table is
// compatible with the definition. Incompatible existing schemas fail with
// *warehouse.SchemaConflictError.
func (w *Warehouse) EnsureTable(ctx context.Context, def warehouse.TableDef) (string, error) {
	existing, err := w.tableColumns(ctx, def.Dataset, def.Name)
	if err != nil {
		return "", err
	}

	if len(existing) > 0 {
		if diffs := diffColumns(def, existing); len(diffs) > 0 {
			return "", &warehouse.SchemaConflictError{Table: def.FQN(), Diffs: diffs}
		}
		w.log.Debug("table exists with compatible schema", logger.String("table", def.FQN()))
		return def.FQN(), nil
	}

	create, err := BuildCreateTableSQL(def)
	if err != nil {
		return "", err
	}
	stmts := append([]string{create}, BuildIndexSQL(def)...)
	stmts = append(stmts, BuildCommentSQL(def)...)
	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return "", fmt.Errorf("postgres: provision %s: %w", def.FQN(), err)
		}
	}
	w.log.Info("table created", logger.String("table", def.FQN()), logger.Int("columns", len(def.Columns)))
	return def.FQN(), nil
}

// tableColumns reads the existing column set from information_schema.
func (w *Warehouse) tableColumns(ctx context.Context, dataset, table string) ([]existingColumn, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT column_name, data_type
		   FROM information_schema.columns
		  WHERE table_schema = $1 AND table_name = $2
		  ORDER BY ordinal_position`,
		dataset, table,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: describe %s.%s: %w", dataset, table, err)
	}
	defer rows.Close()

	var cols []existingColumn
	for rows.Next() {
		var c existingColumn
		if err := rows.Scan(&c.Name, &c.DataType); err != nil {
			return nil, fmt.Errorf("postgres: describe %s.%s: %w", dataset, table, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// RunLoadJob copies every staged object into the job's table. With
// job.Truncate set, the table is truncated first so a re-run never
// accumulates duplicate rows.
func (w *Warehouse) RunLoadJob(ctx context.Context, job warehouse.LoadJob) (int64, error) {
	jobID := uuid.NewString()
	log := w.log.With(logger.String("job_id", jobID), logger.String("table", job.Table))

	if job.Truncate {
		if _, err := w.pool.Exec(ctx, "TRUNCATE TABLE "+fqn(job.Table)); err != nil {
			return 0, &warehouse.LoadJobError{JobID: jobID, Err: fmt.Errorf("truncate: %w", err)}
		}
	}

	var total int64
	for _, key := range job.ObjectKeys {
		n, err := w.copyObject(ctx, job, key)
		total += n
		if err != nil {
			return total, &warehouse.LoadJobError{JobID: jobID, Err: fmt.Errorf("object %s: %w", key, err)}
		}
		log.Debug("staged object loaded", logger.String("object", key), logger.Int64("rows", n))
	}

	log.Info("load job complete", logger.Int("objects", len(job.ObjectKeys)), logger.Int64("rows", total))
	return total, nil
}

// copyObject streams one NDJSON object into the table via COPY, matching
// record fields to columns by name. Values land as text; nil stays NULL.
func (w *Warehouse) copyObject(ctx context.Context, job warehouse.LoadJob, key string) (int64, error) {
	rc, err := w.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	var total int64
	batch := make([][]any, 0, copyBatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := w.pool.CopyFrom(ctx, splitFQN(job.Table), job.Columns, pgx.CopyFromRows(batch))
		total += n
		batch = batch[:0]
		return err
	}

	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 64*1024), scanBufferSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		rec, err := records.DecodeLine(line)
		if err != nil {
			return total, err
		}
		row := make([]any, len(job.Columns))
		for i, col := range job.Columns {
			if v, ok := rec[col]; ok && v != nil {
				row[i] = records.Text(v)
			}
		}
		batch = append(batch, row)
		if len(batch) >= copyBatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, err
	}
	return total, flush()
}

// RunQuery executes one statement and returns the affected row count.
func (w *Warehouse) RunQuery(ctx context.Context, sql string) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql)
	if err != nil {
		return 0, fmt.Errorf("postgres: run query: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scheduleCatalogDDL provisions the catalog the scheduler reads. Kept as one
// idempotent statement pair so registration works on a fresh warehouse.
var scheduleCatalogDDL = []string{
	`CREATE SCHEMA IF NOT EXISTS ops;`,
	`CREATE TABLE IF NOT EXISTS ops.scheduled_queries (
  name text PRIMARY KEY,
  cron text NOT NULL,
  statement text NOT NULL,
  statement_hash text NOT NULL,
  service_account text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT now()
);`,
}

// RegisterScheduledQuery upserts the schedule keyed by name. The statement
// fingerprint makes re-registration of an identical schedule a genuine no-op:
// the row is only touched when statement or cadence changed.
func (w *Warehouse) RegisterScheduledQuery(ctx context.Context, sched warehouse.Schedule) error {
	for _, stmt := range scheduleCatalogDDL {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: schedule catalog: %w", err)
		}
	}

	hash := ScheduleFingerprint(sched)
	tag, err := w.pool.Exec(ctx,
		`INSERT INTO ops.scheduled_queries (name, cron, statement, statement_hash, service_account)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE
		   SET cron = EXCLUDED.cron,
		       statement = EXCLUDED.statement,
		       statement_hash = EXCLUDED.statement_hash,
		       service_account = EXCLUDED.service_account,
		       updated_at = now()
		 WHERE ops.scheduled_queries.statement_hash IS DISTINCT FROM EXCLUDED.statement_hash
		    OR ops.scheduled_queries.cron IS DISTINCT FROM EXCLUDED.cron`,
		sched.Name, sched.Cron, sched.SQL, hash, sched.ServiceAccount,
	)
	if err != nil {
		return fmt.Errorf("postgres: register schedule %s: %w", sched.Name, err)
	}
	if tag.RowsAffected() == 0 {
		w.log.Info("schedule unchanged", logger.String("schedule", sched.Name))
	} else {
		w.log.Info("schedule registered", logger.String("schedule", sched.Name), logger.String("cron", sched.Cron))
	}
	return nil
}

// ScheduleFingerprint returns the stable fingerprint used to detect
// re-registrations of an unchanged schedule.
func ScheduleFingerprint(sched warehouse.Schedule) string {
	return fmt.Sprintf("%016x", xxh3.HashString(sched.SQL+"\n"+sched.Cron))
}

// splitFQN converts "dataset.table" into a pgx.Identifier.
func splitFQN(name string) pgx.Identifier {
	var id pgx.Identifier
	start := 0
	for i := 0; i <= len(name); i++ {
		if i == len(name) || name[i] == '.' {
			if i > start {
				id = append(id, name[start:i])
			}
			start = i + 1
		}
	}
	return id
}
