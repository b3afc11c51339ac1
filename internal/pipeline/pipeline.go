// Package pipeline orchestrates one end-to-end ingestion run for a single
// entity: metadata resolution, schema mapping, warehouse provisioning,
// extraction, staging load, typed transform, delta merge registration and
// pipeline descriptor publication.
//
// The runner owns ordering and failure semantics. Every stage is timed and
// reported through metrics; a failing stage aborts the run with a
// *StageError naming the entity and the stage, so operators can tell a
// malformed metadata document from a warehouse outage at a glance.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sfingest/internal/descriptor"
	"sfingest/internal/extract"
	"sfingest/internal/merge"
	"sfingest/internal/metadata"
	"sfingest/internal/metrics"
	"sfingest/internal/schemamap"
	"sfingest/internal/stage"
	"sfingest/internal/transform"
	"sfingest/internal/warehouse"
	"sfingest/pkg/logger"
	"sfingest/pkg/records"
)

// Stage names, in run order. Cleanup is best effort and never fails the run.
const (
	StageMetadata   = "metadata"
	StageSchema     = "schema"
	StageProvision  = "provision"
	StageExtract    = "extract"
	StageLoad       = "load"
	StageTransform  = "transform"
	StageMerge      = "merge"
	StageDescriptor = "descriptor"
	StageCleanup    = "cleanup"
)

// StageError reports which stage of which entity's run failed.
type StageError struct {
	Entity string
	Stage  string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: entity %s: stage %s: %v", e.Entity, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Source is the slice of the remote source client the runner needs.
type Source interface {
	Metadata(ctx context.Context, entity string) ([]byte, error)
	Count(ctx context.Context, entity string) (int64, error)
	FetchPage(ctx context.Context, entity string, fields []string, pageIndex, pageSize int) ([]records.Record, bool, error)
}

// StagingStore is the slice of the object store the runner uses for staged
// data files. RemovePrefix backs the post-load cleanup.
type StagingStore interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
	RemovePrefix(ctx context.Context, prefix string) error
}

// Config carries the run-level values the orchestrator threads into each
// stage. RawProject and RefinedProject namespace the two warehouse layers.
type Config struct {
	RawProject     string
	RefinedProject string

	// ConnectionID and StagingBucket parameterize the published descriptor.
	ConnectionID  string
	StagingBucket string

	ServiceAccount string

	StagingDir string
	OutDir     string

	PageSize int
}

// Runner executes ingestion runs. Construct with New; the zero value is not
// usable.
type Runner struct {
	src       Source
	wh        warehouse.Warehouse
	staging   StagingStore
	pipelines descriptor.Uploader
	cfg       Config
	log       logger.Logger

	// now is injectable so tests get stable run prefixes.
	now func() time.Time
}

// New constructs a Runner. pipelines receives published descriptor
// artifacts; staging receives NDJSON data files.
func New(src Source, wh warehouse.Warehouse, staging StagingStore, pipelines descriptor.Uploader, cfg Config, log logger.Logger) *Runner {
	if cfg.StagingDir == "" {
		cfg.StagingDir = "data"
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "out"
	}
	return &Runner{
		src:       src,
		wh:        wh,
		staging:   staging,
		pipelines: pipelines,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Result summarizes a completed run.
type Result struct {
	Entity       string
	Dataset      string
	RawTable     string
	TargetTable  string
	RefinedTable string

	RecordsStaged int64
	RowsLoaded    int64
	RowsTyped     int64
	RowsMerged    int64

	ScheduleName  string
	DescriptorURI string
}

// Run ingests one entity end to end. The returned Result is nil on error.
func (r *Runner) Run(ctx context.Context, entity string) (*Result, error) {
	log := r.log.With(logger.String("entity", entity))
	res := &Result{Entity: entity}

	// Resolve and validate the entity's metadata. Everything downstream
	// derives from this document, so a malformed one fails before any
	// warehouse object is touched.
	var meta *metadata.EntityMetadata
	err := r.stage(entity, StageMetadata, func() error {
		resolver := metadata.NewResolver(r.src)
		m, err := resolver.Resolve(ctx, entity)
		if err != nil {
			return err
		}
		meta = m
		return r.persistMetadata(m)
	})
	if err != nil {
		return nil, err
	}
	log.Info("metadata resolved",
		logger.String("module", meta.Module),
		logger.Int("fields", len(meta.Fields)),
		logger.Strings("keys", meta.KeyFields),
		logger.String("watermark", meta.LastModifiedField))

	// Map source types onto target scalars and derive the dataset name from
	// the entity's module tag.
	var (
		specs   []schemamap.FieldSpec
		dataset string
	)
	err = r.stage(entity, StageSchema, func() error {
		s, err := schemamap.Map(meta.Fields)
		if err != nil {
			return err
		}
		d, err := schemamap.DatasetName(meta.Module)
		if err != nil {
			return err
		}
		specs, dataset = s, d
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Dataset = dataset

	// Provision both layers: the all-text staging table and the typed target
	// in the raw layer, and the typed refined table the merge maintains.
	rawDS := warehouse.DatasetID(r.cfg.RawProject, dataset)
	refinedDS := warehouse.DatasetID(r.cfg.RefinedProject, dataset)
	err = r.stage(entity, StageProvision, func() error {
		for _, ds := range []string{rawDS, refinedDS} {
			if err := r.wh.EnsureDataset(ctx, ds); err != nil {
				return err
			}
		}

		raw, err := r.wh.EnsureTable(ctx, warehouse.TableDef{
			Dataset: rawDS,
			Name:    "temp_" + entity,
			Columns: warehouse.TextColumns(specs),
		})
		if err != nil {
			return err
		}
		target, err := r.wh.EnsureTable(ctx, warehouse.TableDef{
			Dataset:         rawDS,
			Name:            entity,
			Columns:         warehouse.TypedColumns(specs),
			PartitionColumn: meta.LastModifiedField,
			KeyColumns:      meta.KeyFields,
			Comment:         meta.Description,
		})
		if err != nil {
			return err
		}
		refined, err := r.wh.EnsureTable(ctx, warehouse.TableDef{
			Dataset:         refinedDS,
			Name:            entity,
			Columns:         warehouse.TypedColumns(specs),
			PartitionColumn: meta.LastModifiedField,
			KeyColumns:      meta.KeyFields,
			Comment:         meta.Description,
		})
		if err != nil {
			return err
		}
		res.RawTable, res.TargetTable, res.RefinedTable = raw, target, refined
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Pull the entity's full history into local NDJSON staging files.
	var files []extract.StagedFile
	err = r.stage(entity, StageExtract, func() error {
		expected, err := r.src.Count(ctx, entity)
		if err != nil {
			return err
		}
		ex := extract.New(r.src, extract.Config{
			Dir:      filepath.Join(r.cfg.StagingDir, strings.ToLower(entity)),
			PageSize: r.cfg.PageSize,
		}, log)
		files, err = ex.Run(ctx, meta, expected)
		if err != nil {
			return err
		}
		for _, f := range files {
			res.RecordsStaged += int64(f.Records)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords(entity, "staged", res.RecordsStaged)
	metrics.RecordPages(entity, int64(len(files)))

	// Upload the staged files and load them into the all-text table.
	runPrefix := strings.ToLower(entity) + "/" + r.now().UTC().Format("20060102T150405Z")
	err = r.stage(entity, StageLoad, func() error {
		loader := stage.NewLoader(r.staging, r.wh, log)
		n, err := loader.Load(ctx, runPrefix, res.RawTable, schemamap.Names(specs), files)
		if err != nil {
			return err
		}
		res.RowsLoaded = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords(entity, "loaded", res.RowsLoaded)
	if res.RowsLoaded != res.RecordsStaged {
		log.Warn("loaded row count differs from staged record count",
			logger.Int64("staged", res.RecordsStaged),
			logger.Int64("loaded", res.RowsLoaded))
	}

	// Cast the text rows into the typed target. The target is truncated
	// first so re-running an ingestion is safe.
	err = r.stage(entity, StageTransform, func() error {
		if _, err := r.wh.RunQuery(ctx, transform.BuildTruncate(res.TargetTable)); err != nil {
			return err
		}
		castSQL, err := transform.BuildCastQuery(res.TargetTable, res.RawTable, specs)
		if err != nil {
			return err
		}
		n, err := r.wh.RunQuery(ctx, castSQL)
		if err != nil {
			return err
		}
		res.RowsTyped = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords(entity, "typed", res.RowsTyped)

	// Generate the delta merge, run it once to seed the refined layer, and
	// register it on its recurring cadence.
	err = r.stage(entity, StageMerge, func() error {
		spec, err := merge.Build(meta, res.TargetTable, res.RefinedTable)
		if err != nil {
			return err
		}
		n, err := r.wh.RunQuery(ctx, spec.SQL)
		if err != nil {
			return err
		}
		res.RowsMerged = n
		res.ScheduleName = merge.ScheduleName(entity)
		return r.wh.RegisterScheduledQuery(ctx, warehouse.Schedule{
			Name:           res.ScheduleName,
			SQL:            spec.SQL,
			Cron:           spec.Cron,
			ServiceAccount: r.cfg.ServiceAccount,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords(entity, "merged", res.RowsMerged)

	// Publish the orchestrator pipeline descriptor for the entity.
	err = r.stage(entity, StageDescriptor, func() error {
		d, err := descriptor.Build(meta, descriptor.Params{
			ConnectionID: r.cfg.ConnectionID,
			Dataset:      rawDS,
			Bucket:       r.cfg.StagingBucket,
			Schedule:     merge.DefaultCron,
		})
		if err != nil {
			return err
		}
		uri, err := descriptor.Publish(ctx, d, r.cfg.OutDir, r.pipelines, log)
		if err != nil {
			return err
		}
		res.DescriptorURI = uri
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cleanup is advisory. The temp table and the staged objects are
	// re-creatable; a failure here is logged and the run still succeeds.
	cleanupErr := r.stage(entity, StageCleanup, func() error {
		if _, err := r.wh.RunQuery(ctx, transform.BuildDrop(res.RawTable)); err != nil {
			return fmt.Errorf("drop staging table: %w", err)
		}
		if err := r.staging.RemovePrefix(ctx, runPrefix); err != nil {
			return fmt.Errorf("remove staged objects: %w", err)
		}
		return nil
	})
	if cleanupErr != nil {
		log.Warn("cleanup incomplete", logger.Err(cleanupErr))
	}

	log.Info("run complete",
		logger.String("dataset", res.Dataset),
		logger.Int64("staged", res.RecordsStaged),
		logger.Int64("typed", res.RowsTyped),
		logger.Int64("merged", res.RowsMerged),
		logger.String("descriptor", res.DescriptorURI))
	return res, nil
}

// stage runs fn, records its duration and outcome, and wraps failure in a
// StageError.
func (r *Runner) stage(entity, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStage(entity, name, err, time.Since(start))
	if err != nil {
		return &StageError{Entity: entity, Stage: name, Err: err}
	}
	return nil
}

// persistMetadata writes the resolved metadata document next to the other
// run artifacts so a run can be audited without re-fetching the source.
func (r *Runner) persistMetadata(meta *metadata.EntityMetadata) error {
	if err := os.MkdirAll(r.cfg.OutDir, 0o755); err != nil {
		return err
	}
	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(r.cfg.OutDir, meta.Name+"_metadata.json")
	return os.WriteFile(path, body, 0o644)
}
