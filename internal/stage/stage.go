// Package stage uploads staged files to object storage under a run-scoped
// prefix and triggers the warehouse load job that lands them in the all-text
// raw table. Uploads run concurrently; the load itself is one job with
// truncate-then-load semantics so re-running a load for the same run is safe.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"sfingest/internal/extract"
	"sfingest/internal/warehouse"
	"sfingest/pkg/logger"
)

// uploadWorkers bounds concurrent uploads per run.
const uploadWorkers = 8

// Uploader is the slice of the object store the loader needs.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Loader moves staged files into the raw table.
type Loader struct {
	store Uploader
	wh    warehouse.Warehouse
	log   logger.Logger

	// keepLocal skips deletion of staging files after upload. Tests use it;
	// production runs let the loader own cleanup.
	keepLocal bool
}

// NewLoader constructs a Loader.
func NewLoader(store Uploader, wh warehouse.Warehouse, log logger.Logger) *Loader {
	return &Loader{store: store, wh: wh, log: log}
}

// Load uploads every staged file under runPrefix, then runs the warehouse
// load job into table. The returned count is the number of rows the
// warehouse reports loaded.
func (l *Loader) Load(ctx context.Context, runPrefix, table string, columns []string, files []extract.StagedFile) (int64, error) {
	keys := make([]string, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadWorkers)
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			key := runPrefix + "/" + filepath.Base(file.Path)
			uri, err := l.store.Upload(gctx, file.Path, key)
			if err != nil {
				return fmt.Errorf("stage: upload page %d: %w", file.PageIndex, err)
			}
			keys[i] = key
			l.log.Debug("staged file uploaded",
				logger.String("uri", uri),
				logger.Int("page", file.PageIndex),
				logger.Int("records", file.Records),
			)
			if !l.keepLocal {
				if err := os.Remove(file.Path); err != nil {
					l.log.Warn("could not remove local staging file", logger.String("path", file.Path), logger.Err(err))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n, err := l.wh.RunLoadJob(ctx, warehouse.LoadJob{
		Table:      table,
		Columns:    columns,
		ObjectKeys: keys,
		Truncate:   true,
	})
	if err != nil {
		return n, err
	}

	l.log.Info("raw table loaded",
		logger.String("table", table),
		logger.Int("files", len(files)),
		logger.Int64("rows", n),
	)
	return n, nil
}
