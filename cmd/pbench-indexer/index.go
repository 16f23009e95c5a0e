package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/perfscale/pbench-indexer/pkg/bulk"
	"github.com/perfscale/pbench-indexer/pkg/config"
	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/pipeline"
	"github.com/perfscale/pbench-indexer/pkg/report"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
	"github.com/perfscale/pbench-indexer/pkg/templates"
	"github.com/perfscale/pbench-indexer/pkg/tooldata"
)

var limitControllers []string

var indexCmd = &cobra.Command{
	Use:   "index [archive...]",
	Short: "Index result tar balls",
	Long: `Discover result tar balls under the configured archive root and index
each one. Explicit archive paths can be given instead to index just those.`,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.Flags().StringSliceVar(&limitControllers, "controller", nil,
		"Limit to these controllers (comma-separated or repeated flag)")
}

// archiveRef is one discovered tar ball awaiting indexing.
type archiveRef struct {
	controllerDir string
	path          string
}

func runIndex(cmd *cobra.Command, args []string) error {
	if len(cfgFiles) == 0 {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	bundle, err := loadBundle(cfg)
	if err != nil {
		return err
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	archives, err := gatherArchives(cfg, args)
	if err != nil {
		return err
	}

	if len(archives) == 0 {
		log.Info("No archives to index")

		return nil
	}

	sink, err := bulk.NewElasticSink(cfg.Elasticsearch.URLs)
	if err != nil {
		return err
	}

	var errSink bulk.ErrorSink

	if cfg.Elasticsearch.ErrorFile != "" {
		f, err := os.Create(cfg.Elasticsearch.ErrorFile)
		if err != nil {
			return fmt.Errorf("opening error file: %w", err)
		}

		defer f.Close()

		errSink = bulk.NewJSONLErrorSink(f)
	}

	var store report.Store

	if cfg.Report.Driver != "" {
		store = report.NewStore(log, &cfg.Report)
		if err := store.Start(ctx); err != nil {
			return fmt.Errorf("starting report store: %w", err)
		}

		defer func() {
			if err := store.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop report store")
			}
		}()
	}

	opts := bulk.Options{
		BatchSize:      cfg.Elasticsearch.BatchSize,
		InitialBackoff: cfg.Elasticsearch.InitialBackoff,
		MaxBackoff:     cfg.Elasticsearch.MaxBackoff,
	}

	if cfg.Elasticsearch.RateLimit > 0 {
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.Elasticsearch.RateLimit), 1)
	}

	log.WithFields(logrus.Fields{
		"archives": len(archives),
		"workers":  cfg.Global.Workers,
	}).Info("Indexing archives")

	p := pipeline.New(log, tooldata.DefaultRegistry(), bundle)

	var (
		mu       sync.Mutex
		total    bulk.Outcome
		counters = document.Counters{}
		failed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Global.Workers)

	for _, ref := range archives {
		ref := ref
		g.Go(func() error {
			outcome, runCounters, err := indexArchive(
				gctx, cfg, p, sink, errSink, store, opts, ref)

			mu.Lock()
			defer mu.Unlock()

			total.Successes += outcome.Successes
			total.Duplicates += outcome.Duplicates
			total.Failures += outcome.Failures
			total.Retries += outcome.Retries
			counters.Merge(runCounters)

			if err != nil {
				// Context errors abort the whole batch; anything else
				// fails just this archive.
				if gctx.Err() != nil {
					return err
				}

				failed++

				log.WithError(err).WithField("archive", ref.path).
					Error("Archive failed")
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fields := logrus.Fields{
		"archives":   len(archives),
		"failed":     failed,
		"successes":  total.Successes,
		"duplicates": total.Duplicates,
		"failures":   total.Failures,
		"retries":    total.Retries,
	}

	for _, name := range counters.Names() {
		fields["counter."+name] = counters[name]
	}

	log.WithFields(fields).Info("Indexing complete")

	if failed > 0 || total.Failures > 0 {
		return fmt.Errorf("%d of %d archives had indexing problems",
			failed, len(archives))
	}

	return nil
}

// indexArchive runs the full pipeline for one tar ball with its own bulk
// indexer, then records the outcome in the report store.
func indexArchive(
	ctx context.Context,
	cfg *config.Config,
	p *pipeline.Pipeline,
	sink bulk.Sink,
	errSink bulk.ErrorSink,
	store report.Store,
	opts bulk.Options,
	ref archiveRef,
) (bulk.Outcome, document.Counters, error) {
	indexer := bulk.New(log, sink, errSink, opts)

	var (
		runID      string
		controller string
		counters   document.Counters
	)

	tb, err := tarball.Open(log, ref.path,
		filepath.Join(cfg.Archive.Incoming, ref.controllerDir))
	if err == nil {
		runID = tb.MD5
		controller = tb.Controller

		var rep *pipeline.Report

		rep, err = p.Index(ctx, tb, indexer)
		if rep != nil {
			counters = rep.Counters
		}
	}

	outcome := indexer.Outcome()

	if store != nil {
		record := report.NewArchive(
			runID, controller, ref.path, outcome, counters, err)
		if recErr := store.RecordArchive(ctx, record); recErr != nil {
			log.WithError(recErr).WithField("archive", ref.path).
				Warn("Failed to record archive report")
		}
	}

	return outcome, counters, err
}

// gatherArchives resolves the explicit archive arguments, or discovers every
// tar ball under the archive root when none are given.
func gatherArchives(cfg *config.Config, args []string) ([]archiveRef, error) {
	if len(args) > 0 {
		refs := make([]archiveRef, 0, len(args))

		for _, path := range args {
			abs, err := filepath.Abs(path)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", path, err)
			}

			refs = append(refs, archiveRef{
				controllerDir: filepath.Base(filepath.Dir(abs)),
				path:          abs,
			})
		}

		return refs, nil
	}

	return discoverArchives(cfg.Archive.Root, limitControllers)
}

// discoverArchives walks the two-level archive hierarchy: one directory per
// controller, holding tar balls with their .md5 companions. Tar balls missing
// the companion are skipped with a warning, since their identity cannot be
// established.
func discoverArchives(root string, controllers []string) ([]archiveRef, error) {
	wanted := make(map[string]struct{}, len(controllers))
	for _, c := range controllers {
		wanted[c] = struct{}{}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading archive root: %w", err)
	}

	var refs []archiveRef

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		controllerDir := entry.Name()

		if len(wanted) > 0 {
			// Controller filters match the bare name, without any
			// satellite prefix.
			controller := controllerDir
			if _, bare, found := strings.Cut(controllerDir, "::"); found {
				controller = bare
			}

			if _, ok := wanted[controller]; !ok {
				continue
			}
		}

		files, err := os.ReadDir(filepath.Join(root, controllerDir))
		if err != nil {
			return nil, fmt.Errorf("reading controller %s: %w", controllerDir, err)
		}

		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, ".tar.xz") {
				continue
			}

			path := filepath.Join(root, controllerDir, name)

			if _, err := os.Stat(path + ".md5"); err != nil {
				log.WithField("archive", path).
					Warn("Skipping archive without md5 companion")

				continue
			}

			refs = append(refs, archiveRef{
				controllerDir: controllerDir,
				path:          path,
			})
		}
	}

	return refs, nil
}

func loadBundle(cfg *config.Config) (*templates.Bundle, error) {
	if cfg.Index.TemplateFile != "" {
		bundle, err := templates.Load(cfg.Index.Prefix, cfg.Index.TemplateFile)
		if err != nil {
			return nil, fmt.Errorf("loading index templates: %w", err)
		}

		return bundle, nil
	}

	bundle, err := templates.Default(cfg.Index.Prefix)
	if err != nil {
		return nil, fmt.Errorf("building index templates: %w", err)
	}

	return bundle, nil
}
