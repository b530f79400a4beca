package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "net/http/pprof"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/atlasfoods/lakehouse/pkg/duck"
	"github.com/atlasfoods/lakehouse/pkg/landing"
	"github.com/atlasfoods/lakehouse/pkg/logger"
	"github.com/atlasfoods/lakehouse/pkg/metrics"
	"github.com/atlasfoods/lakehouse/pkg/pipeline/coordinator"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultWorkers     = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics (empty to disable)")

	// Database configuration
	catalogNameFlag := flag.String("ducklake-catalog-name", "atlaslake", "Name of the DuckLake catalog (or set DUCKLAKE_CATALOG_NAME env var)")
	catalogURIFlag := flag.String("ducklake-catalog-uri", "file://.tmp/lake/catalog.sqlite", "URI to the DuckLake catalog (or set DUCKLAKE_CATALOG_URI env var)")
	storageURIFlag := flag.String("ducklake-storage-uri", "file://.tmp/lake/data", "URI to the DuckLake storage directory (or set DUCKLAKE_STORAGE_URI env var)")

	// Landing area configuration
	landingURIFlag := flag.String("landing-uri", "file://.tmp/landing", "URI of the landing area, file://<dir> or s3://<bucket> (or set LANDING_URI env var)")

	// Run configuration
	modeFlag := flag.String("mode", string(coordinator.ModeIncremental), "load mode: full or incremental")
	asOfFlag := flag.String("as-of", "", "as-of date YYYY-MM-DD bounding incremental ingestion (default: today UTC)")
	tablesFlag := flag.StringSlice("tables", nil, "tables to load (default: all)")
	allowBootstrapFlag := flag.Bool("allow-bootstrap", false, "allow incremental runs for tables that have no watermark yet")
	workersFlag := flag.Int("workers", defaultWorkers, "maximum parallel dimension pipelines")

	flag.Parse()

	// Override flags with environment variables if set
	if v := os.Getenv("DUCKLAKE_CATALOG_NAME"); v != "" {
		*catalogNameFlag = v
	}
	if v := os.Getenv("DUCKLAKE_CATALOG_URI"); v != "" {
		*catalogURIFlag = v
	}
	if v := os.Getenv("DUCKLAKE_STORAGE_URI"); v != "" {
		*storageURIFlag = v
	}
	if v := os.Getenv("LANDING_URI"); v != "" {
		*landingURIFlag = v
	}

	log := logger.New(*verboseFlag)
	clock := clockwork.NewRealClock()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("consolidator: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	asOf := clock.Now().UTC()
	if *asOfFlag != "" {
		parsed, err := time.Parse("2006-01-02", *asOfFlag)
		if err != nil {
			return fmt.Errorf("invalid --as-of date %q: %w", *asOfFlag, err)
		}
		asOf = parsed
	}

	store, err := newLandingStore(ctx, *landingURIFlag)
	if err != nil {
		return fmt.Errorf("failed to create landing store: %w", err)
	}

	s3Config, err := duck.PrepareS3ConfigForStorageURI(ctx, log, *storageURIFlag)
	if err != nil {
		return err
	}
	log.Info("initializing ducklake database",
		"catalog", *catalogNameFlag,
		"catalogURI", duck.RedactedCatalogURI(*catalogURIFlag),
		"storageURI", *storageURIFlag)
	db, err := duck.NewLake(ctx, log, *catalogNameFlag, *catalogURIFlag, *storageURIFlag, s3Config)
	if err != nil {
		return fmt.Errorf("failed to create DuckLake database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close DuckLake database", "error", err)
		}
	}()

	coord, err := coordinator.New(coordinator.Config{
		Logger:  log,
		Store:   store,
		DB:      db,
		Clock:   clock,
		Workers: *workersFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	defer coord.Close()

	result, err := coord.Run(ctx, coordinator.RunRequest{
		Tables:         *tablesFlag,
		Mode:           coordinator.Mode(*modeFlag),
		AsOfDate:       asOf,
		AllowBootstrap: *allowBootstrapFlag,
	})
	if err != nil {
		return fmt.Errorf("run %s failed: %w", result.RunID, err)
	}

	log.Info("consolidator: run finished",
		"run_id", result.RunID,
		"status", string(result.Status),
		"rows_affected", result.RowsAffected,
		"skipped_files", len(result.SkippedFiles),
		"quarantined", result.Quarantined)
	return nil
}

// newLandingStore builds the landing store for a file:// or s3:// URI.
func newLandingStore(ctx context.Context, uri string) (landing.Store, error) {
	switch {
	case strings.HasPrefix(uri, "s3://"):
		bucket := strings.SplitN(strings.TrimPrefix(uri, "s3://"), "/", 2)[0]
		s3Cfg, err := duck.LoadS3ConfigFromEnv()
		if err != nil {
			return nil, err
		}
		storeCfg := landing.S3StoreConfig{Bucket: bucket}
		if s3Cfg != nil {
			storeCfg.Region = s3Cfg.Region
			storeCfg.Endpoint = s3Cfg.Endpoint
			storeCfg.AccessKeyID = s3Cfg.AccessKeyID
			storeCfg.SecretAccessKey = s3Cfg.SecretAccessKey
		}
		return landing.NewS3Store(ctx, storeCfg)
	case strings.HasPrefix(uri, "file://"):
		return landing.NewDirStore(strings.TrimPrefix(uri, "file://"))
	default:
		return landing.NewDirStore(uri)
	}
}
