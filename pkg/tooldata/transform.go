package tooldata

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
)

// Emit receives each candidate document as it is produced. Returning an
// error stops the transformation.
type Emit func(*document.Document) error

// artifact is one discovered data file with the pattern that matched it.
type artifact struct {
	path     string
	basename string
	pattern  *FilePattern
}

// Transformer produces tool-data documents for one archive.
type Transformer struct {
	log      logrus.FieldLogger
	registry *Registry
	tb       *tarball.Tarball

	// runMetadata is the subset of the run metadata repeated on every
	// tool document, including the tools group.
	runMetadata map[string]any
}

// New creates the transformer for one archive.
func New(log logrus.FieldLogger, registry *Registry, tb *tarball.Tarball) *Transformer {
	runMetadata := runMetadataSubset(tb)
	runMetadata["toolsgroup"] = tb.ToolsGroup

	return &Transformer{
		log:         log.WithField("component", "tooldata"),
		registry:    registry,
		tb:          tb,
		runMetadata: runMetadata,
	}
}

// runMetadataSubset picks the run metadata fields repeated on every
// tool-data and result-data document.
func runMetadataSubset(tb *tarball.Tarball) map[string]any {
	subset := map[string]any{}
	for _, key := range []string{
		"id", "controller", "name", "script", "date", "start", "end",
		"config", "user",
	} {
		if v, ok := tb.RunMetadata[key]; ok {
			subset[key] = v
		}
	}

	return subset
}

// RunMetadataSubset exposes the shared run metadata subset for the
// result-data transformer, without the tools group.
func RunMetadataSubset(tb *tarball.Tarball) map[string]any {
	return runMetadataSubset(tb)
}

// Transform produces every document for one (iteration, sample, host,
// tool) combination. Unknown tools and tools without artifacts are
// counted and skipped; per-row data problems are absorbed into counters.
func (t *Transformer) Transform(
	iteration, sample string,
	host *tarball.HostTools,
	tool string,
	counters document.Counters,
	emit Emit,
) error {
	handler, known := t.registry.Handler(tool)
	if !known {
		t.log.WithFields(logrus.Fields{"tool": tool, "host": host.Hostname}).
			Warn("No known handler for tool, skipping")
		counters.Inc("unknown_tool")

		return nil
	}

	if handler == nil {
		// Known tool whose output is not indexable.
		return nil
	}

	artifacts := t.discover(handler, iteration, sample, host, tool)
	if len(artifacts) == 0 {
		return nil
	}

	run := &emitter{
		transformer: t,
		tool:        tool,
		iteration:   iterationMetadata(iteration),
		sample: map[string]any{
			"name":     sample,
			"hostname": host.Hostname,
		},
		counters: counters,
		emit:     emit,
	}

	switch handler.Method {
	case MethodCSVUnify:
		return run.unifyCSV(artifacts)
	case MethodCSVIndividual:
		return run.individualCSV(artifacts)
	case MethodStdout:
		return run.stdout(artifacts)
	case MethodJSON:
		return run.jsonArray(artifacts)
	default:
		return fmt.Errorf("tool %q: unhandled method %d", tool, handler.Method)
	}
}

var iterationSeqPat = regexp.MustCompile(`^([1-9][0-9]*)-`)

// iterationMetadata decodes the iteration directory name into the metadata
// mapping repeated on tool documents. The sequence number is -1 when the
// name does not follow the "<seq>-" convention.
func iterationMetadata(iteration string) map[string]any {
	number := int64(-1)
	if m := iterationSeqPat.FindStringSubmatch(iteration); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			number = n
		}
	}

	return map[string]any{
		"name":   iteration,
		"number": number,
	}
}

// discover locates the tool's artifact files. Tool registration host names
// and on-disk directory names diverged across agent versions, so the
// "<label>:<hostname-s>", "<hostname-s>" and "<host>" directory spellings
// are each tried in turn.
func (t *Transformer) discover(
	handler *Handler,
	iteration, sample string,
	host *tarball.HostTools,
	tool string,
) []artifact {
	var hostDirs []string
	if host.Label != "" && host.HostnameS != "" {
		hostDirs = append(hostDirs, host.Label+":"+host.HostnameS)
	}

	if host.HostnameS != "" {
		hostDirs = append(hostDirs, host.HostnameS)
	}

	hostDirs = append(hostDirs, host.Hostname)

	for _, hostDir := range hostDirs {
		base := filepath.Join(t.tb.Root, iteration, sample,
			"tools-"+t.tb.ToolsGroup, hostDir, tool)

		var found []artifact
		switch handler.Method {
		case MethodCSVUnify, MethodCSVIndividual:
			found = t.matchFiles(handler, filepath.Join(base, "csv"), "*.csv")
		case MethodJSON:
			found = t.listFiles(filepath.Join(base, "json"), "*.json")
		case MethodStdout:
			found = t.matchFiles(handler, base, tool+"-stdout.txt")
		}

		if len(found) > 0 {
			return found
		}
	}

	return nil
}

// matchFiles globs a directory and keeps the files a handler pattern (or a
// legacy alias of one) recognizes.
func (t *Transformer) matchFiles(handler *Handler, dir, glob string) []artifact {
	paths, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil
	}

	var artifacts []artifact
	for _, path := range paths {
		if fi, err := os.Stat(path); err != nil || fi.IsDir() {
			continue
		}

		basename := filepath.Base(path)

		pattern := matchPattern(handler, basename)
		if pattern == nil {
			if alias, ok := t.registry.Alias(basename); ok {
				pattern = matchPattern(handler, alias)
			}
		}

		if pattern == nil {
			continue
		}

		artifacts = append(artifacts, artifact{
			path:     path,
			basename: basename,
			pattern:  pattern,
		})
	}

	sortArtifacts(artifacts)

	return artifacts
}

// listFiles globs a directory without pattern filtering (JSON artifacts
// have no per-file configuration).
func (t *Transformer) listFiles(dir, glob string) []artifact {
	paths, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil
	}

	var artifacts []artifact
	for _, path := range paths {
		if fi, err := os.Stat(path); err != nil || fi.IsDir() {
			continue
		}

		artifacts = append(artifacts, artifact{
			path:     path,
			basename: filepath.Base(path),
		})
	}

	sortArtifacts(artifacts)

	return artifacts
}

func matchPattern(handler *Handler, basename string) *FilePattern {
	for _, pattern := range handler.Patterns {
		if pattern.Pattern.MatchString(basename) {
			return pattern
		}
	}

	return nil
}

func sortArtifacts(artifacts []artifact) {
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].path < artifacts[j].path
	})
}

// emitter carries the per-(iteration, sample, host, tool) state shared by
// the strategy implementations.
type emitter struct {
	transformer *Transformer
	tool        string
	iteration   map[string]any
	sample      map[string]any
	counters    document.Counters
	emit        Emit
}

func (e *emitter) log() logrus.FieldLogger {
	return e.transformer.log.WithField("tool", e.tool)
}

// document assembles the common envelope around one tool payload and hands
// it to the emit callback.
func (e *emitter) document(ts, tsOriginal string, payload map[string]any) error {
	return e.emit(&document.Document{
		Category:  document.CategoryToolData,
		Tool:      e.tool,
		Timestamp: ts,
		Fields: map[string]any{
			"@timestamp":          ts,
			"@timestamp_original": tsOriginal,
			"run":                 e.transformer.runMetadata,
			"iteration":           e.iteration,
			"sample":              e.sample,
			e.tool:                payload,
		},
	})
}

// checkMonotonic verifies non-decreasing raw timestamps within one
// artifact's row stream. A regression marks a corrupt source; it is
// reported, never fatal.
func (e *emitter) checkMonotonic(prev, current string, path string) {
	if prev == "" {
		return
	}

	prevVal, err1 := strconv.ParseFloat(strings.TrimSpace(prev), 64)
	currVal, err2 := strconv.ParseFloat(strings.TrimSpace(current), 64)
	if err1 != nil || err2 != nil {
		return
	}

	if prevVal > currVal {
		e.log().WithFields(logrus.Fields{
			"path":     path,
			"previous": prev,
			"current":  current,
		}).Warn("Out of order timestamps in tool data stream")
		e.counters.Inc("timestamps_out_of_order")
	}
}
