// Package pipeline sequences the indexing of one archive: the run document,
// its table-of-contents documents, every tool's data documents, and the
// benchmark result documents, all funneled through the bulk indexer under
// one tracking identifier.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/perfscale/pbench-indexer/pkg/bulk"
	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/resultdata"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
	"github.com/perfscale/pbench-indexer/pkg/templates"
	"github.com/perfscale/pbench-indexer/pkg/tooldata"
)

// Pipeline drives the per-archive indexing sequence. It is safe to reuse
// across archives; all per-run state lives in the invocation.
type Pipeline struct {
	log      logrus.FieldLogger
	registry *tooldata.Registry
	bundle   *templates.Bundle
}

// New creates a pipeline resolving index names through bundle and tool
// artifacts through registry.
func New(log logrus.FieldLogger, registry *tooldata.Registry, bundle *templates.Bundle) *Pipeline {
	return &Pipeline{
		log:      log.WithField("component", "pipeline"),
		registry: registry,
		bundle:   bundle,
	}
}

// Report is the per-archive accounting of one pipeline invocation. The bulk
// outcome is tracked separately by the indexer, which may span archives.
type Report struct {
	RunID    string
	Counters document.Counters
}

// run ties the per-invocation state together.
type run struct {
	p        *Pipeline
	tb       *tarball.Tarball
	builder  *document.ActionBuilder
	indexer  *bulk.Indexer
	counters document.Counters
}

// Index processes one archive start to finish: run document, table of
// contents, tool data, result data. Structural problems with the archive
// abort it whole; per-document data problems are counted and skipped.
func (p *Pipeline) Index(ctx context.Context, tb *tarball.Tarball, indexer *bulk.Indexer) (*Report, error) {
	namer := templates.NewNamer(p.bundle, tb.StartRun)

	r := &run{
		p:        p,
		tb:       tb,
		builder:  document.NewActionBuilder(namer, tb.MD5),
		indexer:  indexer,
		counters: document.Counters{},
	}

	sosreports, err := tb.Sosreports()
	if err != nil {
		return nil, err
	}

	hostTools := tb.HostToolsInfo(sosreports)

	if err := r.emitRun(ctx, sosreports, hostTools); err != nil {
		return nil, err
	}

	if err := r.emitTOC(ctx); err != nil {
		return nil, err
	}

	if err := r.emitToolData(ctx, hostTools); err != nil {
		return nil, err
	}

	if err := resultdata.New(p.log, tb).Transform(r.counters, r.submit(ctx)); err != nil {
		return nil, err
	}

	if err := indexer.Flush(ctx); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"run_id":     tb.MD5,
		"controller": tb.Controller,
	}).Info("Indexed archive")

	return &Report{RunID: tb.MD5, Counters: r.counters}, nil
}

// submit returns the emit callback shared by the transformers: it resolves
// each candidate document into an action and hands it to the bulk indexer.
// Index-name date problems are counted and skip only that document.
func (r *run) submit(ctx context.Context) tooldata.Emit {
	return func(doc *document.Document) error {
		action, err := r.builder.Build(doc)
		if err != nil {
			var bad *templates.BadDateError
			if errors.As(err, &bad) {
				r.counters.Inc("bad_index_date")

				return nil
			}

			return err
		}

		r.counters.Inc("documents_" + doc.Category.String())

		return r.indexer.Add(ctx, action)
	}
}

// emitRun produces the single run document: the run metadata, the archive's
// own @metadata, and the sosreport/tool host information. Its identity is
// the archive MD5, which doubles as the tracking identifier stamped on every
// other top-level document of this invocation.
func (r *run) emitRun(
	ctx context.Context,
	sosreports []*tarball.Sosreport,
	hostTools []*tarball.HostTools,
) error {
	fields := map[string]any{
		"@timestamp": r.tb.StartTimestamp(),
		"@metadata":  r.tb.AtMetadata,
		"run":        r.tb.RunMetadata,
	}

	if len(sosreports) > 0 {
		sources := make([]map[string]any, len(sosreports))
		for i, sos := range sosreports {
			sources[i] = sos.Source()
		}

		fields["sosreports"] = sources
	}

	toolsInfo := make([]map[string]any, len(hostTools))
	for i, host := range hostTools {
		toolsInfo[i] = host.Source()
	}

	fields["host_tools_info"] = toolsInfo

	return r.submit(ctx)(&document.Document{
		Category:   document.CategoryRun,
		Timestamp:  r.tb.StartTimestamp(),
		IDOverride: r.tb.MD5,
		Fields:     fields,
	})
}

// emitTOC produces one document per directory of the extracted tree, each
// parented to the run document. Every entry shares the run's start timestamp.
func (r *run) emitTOC(ctx context.Context) error {
	entries, err := r.tb.TOC()
	if err != nil {
		return fmt.Errorf("building table of contents: %w", err)
	}

	ts := r.tb.StartTimestamp()
	emit := r.submit(ctx)

	for _, entry := range entries {
		fields := entry.Source()
		fields["@timestamp"] = ts

		if err := emit(&document.Document{
			Category:  document.CategoryTOC,
			Timestamp: ts,
			Parent:    r.tb.MD5,
			Fields:    fields,
		}); err != nil {
			return err
		}
	}

	return nil
}

// emitToolData walks every (iteration, sample, host, tool) combination in
// deterministic order and transforms that tool's artifacts.
func (r *run) emitToolData(ctx context.Context, hostTools []*tarball.HostTools) error {
	iterations, err := r.tb.Iterations()
	if err != nil {
		return err
	}

	transformer := tooldata.New(r.p.log, r.p.registry, r.tb)
	emit := r.submit(ctx)

	for _, iteration := range iterations {
		samples, err := r.tb.Samples(iteration)
		if err != nil {
			return err
		}

		for _, sample := range samples {
			for _, host := range hostTools {
				for _, tool := range host.ToolNames() {
					err := transformer.Transform(
						iteration, sample, host, tool, r.counters, emit)
					if err != nil {
						return err
					}
				}
			}
		}
	}

	return nil
}
