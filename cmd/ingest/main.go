package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"sfingest/internal/config"
	"sfingest/internal/metrics"
	"sfingest/internal/metrics/datadog"
	"sfingest/internal/metrics/prompush"
	"sfingest/internal/objstore"
	"sfingest/internal/pipeline"
	"sfingest/internal/source"
	"sfingest/internal/warehouse/postgres"
	"sfingest/pkg/logger"
)

// main is the entry point for the ingestion binary. It loads configuration
// from the environment, optionally initializes a metrics backend, and runs
// one end-to-end ingestion for the requested entity.
func main() {
	var (
		entity            string
		metricsBackendFlg string
		pushGatewayURLFlg string
		validate          bool
	)

	flag.StringVar(&entity, "entity", "", "source entity to ingest (required)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "", "metrics backend to use (pushgateway, datadog, none); defaults to env METRICS_BACKEND")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	cfg := config.Load()

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fatalf("configuration is invalid")
	}
	if validate {
		fmt.Fprintln(os.Stderr, "configuration is valid")
		os.Exit(0)
	}

	if entity == "" {
		fatalf("-entity is required")
	}

	level := "info"
	if *verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level})
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer log.Sync()

	backendName := metricsBackendName(metricsBackendFlg)
	switch backendName {
	case "pushgateway":
		gwURL := pushGatewayURLFlg
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend("sfingest", gwURL)
		if err != nil {
			log.Warn("metrics backend unavailable, using nop", logger.Err(err))
		} else {
			metrics.SetBackend(b)
			defer flushMetrics(log)
		}

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:      os.Getenv("DOGSTATSD_ADDR"),
			Namespace: "sfingest",
		})
		if err != nil {
			log.Warn("metrics backend unavailable, using nop", logger.Err(err))
		} else {
			metrics.SetBackend(b)
			defer flushMetrics(log)
		}

	case "", "none":
		// metrics disabled; nop backend remains

	default:
		log.Warn("unknown metrics backend, metrics disabled", logger.String("backend", backendName))
	}

	ctx := context.Background()
	start := time.Now()

	src := source.NewClient(source.Config{
		BaseURL:  cfg.SourceBaseURL,
		Username: cfg.SourceUser,
		Password: cfg.SourcePassword,
	})

	staging, err := objstore.New(ctx, objstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		UseSSL:    cfg.ObjectStoreUseSSL,
		Region:    cfg.ObjectStoreRegion,
		Bucket:    cfg.StagingBucket,
	}, log)
	if err != nil {
		fatalf("object store (staging): %v", err)
	}
	pipelines, err := objstore.New(ctx, objstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
		UseSSL:    cfg.ObjectStoreUseSSL,
		Region:    cfg.ObjectStoreRegion,
		Bucket:    cfg.PipelineBucket,
	}, log)
	if err != nil {
		fatalf("object store (pipelines): %v", err)
	}

	wh, closeWH, err := postgres.New(ctx, cfg.WarehouseDSN, staging, log)
	if err != nil {
		fatalf("warehouse: %v", err)
	}
	defer closeWH()

	runner := pipeline.New(src, wh, staging, pipelines, pipeline.Config{
		RawProject:     cfg.RawProjectID,
		RefinedProject: cfg.RefinedProjectID,
		ConnectionID:   cfg.SourceConnectionID,
		StagingBucket:  cfg.StagingBucket,
		ServiceAccount: cfg.ScheduleServiceAccount,
		StagingDir:     cfg.StagingDir,
		OutDir:         cfg.OutDir,
	}, log)

	res, err := runner.Run(ctx, entity)
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			fatalf("entity %s failed at stage %s: %v", se.Entity, se.Stage, se.Err)
		}
		fatalf("entity %s failed: %v", entity, err)
	}

	log.Info("ingestion finished",
		logger.String("entity", res.Entity),
		logger.String("refined_table", res.RefinedTable),
		logger.Int64("records", res.RowsTyped),
		logger.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)))
}

// metricsBackendName resolves the backend selection: an explicit flag wins,
// then METRICS_BACKEND from the environment. Empty means disabled.
func metricsBackendName(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("METRICS_BACKEND")
}

func flushMetrics(log logger.Logger) {
	if err := metrics.Flush(); err != nil {
		log.Warn("metrics flush failed", logger.Err(err))
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
