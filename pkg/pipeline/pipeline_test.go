package pipeline

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/perfscale/pbench-indexer/pkg/bulk"
	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
	"github.com/perfscale/pbench-indexer/pkg/templates"
	"github.com/perfscale/pbench-indexer/pkg/tooldata"
)

const minimalMetadata = `[run]
controller = hostA.example.com
start_run = 2024-03-15T00:00:00
end_run = 2024-03-15T01:00:00

[pbench]
name = run1
script = fio
date = 2024-03-15T00:00:00

[tools]
group = default
`

const toolsMetadata = minimalMetadata + `hosts = hostA.example.com

[tools/hostA.example.com]
hostname-s = hostA
iostat = --interval=3
`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// writeArchive builds a minimal real .tar.xz whose single member carries the
// expected prefix, enough to satisfy the archive structure checks.
func writeArchive(t *testing.T, path, prefix, metadata string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	xw, err := xz.NewWriter(f)
	require.NoError(t, err)

	tw := tar.NewWriter(xw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: prefix + "/metadata.log",
		Mode: 0o644,
		Size: int64(len(metadata)),
	}))

	_, err = tw.Write([]byte(metadata))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
}

func testTarball(t *testing.T, metadata string) *tarball.Tarball {
	t.Helper()

	base := t.TempDir()
	controllerDir := filepath.Join(base, "archive", "hostA.example.com")
	require.NoError(t, os.MkdirAll(controllerDir, 0o755))

	prefix := "fio_run1_2024.03.15T00.00.00"
	archive := filepath.Join(controllerDir, prefix+".tar.xz")
	writeArchive(t, archive, prefix, metadata)
	require.NoError(t, os.WriteFile(archive+".md5", []byte("abcd1234\n"), 0o644))

	extractedRoot := filepath.Join(base, "incoming", "hostA.example.com")
	root := filepath.Join(extractedRoot, prefix)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "metadata.log"), []byte(metadata), 0o644))

	tb, err := tarball.Open(testLogger(), archive, extractedRoot)
	require.NoError(t, err)

	return tb
}

// fakeSink acknowledges every create once and reports a conflict for any
// identity it has seen before, mimicking the engine's create-only semantics.
type fakeSink struct {
	seen    map[string]struct{}
	actions []*document.Action
}

func newFakeSink() *fakeSink {
	return &fakeSink{seen: map[string]struct{}{}}
}

func (s *fakeSink) Create(_ context.Context, actions []*document.Action) ([]bulk.Result, error) {
	results := make([]bulk.Result, len(actions))
	for i, action := range actions {
		key := action.Index + "/" + action.ID
		if _, dup := s.seen[key]; dup {
			results[i] = bulk.Result{
				Status:    409,
				ErrorType: "version_conflict_engine_exception",
			}

			continue
		}

		s.seen[key] = struct{}{}
		s.actions = append(s.actions, action)
		results[i] = bulk.Result{Status: 201}
	}

	return results, nil
}

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()

	bundle, err := templates.Default("pbench")
	require.NoError(t, err)

	return New(testLogger(), tooldata.DefaultRegistry(), bundle)
}

func indexOnce(t *testing.T, p *Pipeline, tb *tarball.Tarball, sink bulk.Sink) (*Report, bulk.Outcome) {
	t.Helper()

	indexer := bulk.New(testLogger(), sink, nil, bulk.Options{
		InitialBackoff: time.Millisecond,
	})

	report, err := p.Index(context.Background(), tb, indexer)
	require.NoError(t, err)

	return report, indexer.Outcome()
}

func TestIndexMinimalRun(t *testing.T) {
	tb := testTarball(t, minimalMetadata)
	sink := newFakeSink()

	report, outcome := indexOnce(t, testPipeline(t), tb, sink)

	// One run document plus one table-of-contents document for the only
	// directory, nothing else.
	assert.Equal(t, int64(2), outcome.Successes)
	assert.Zero(t, outcome.Duplicates)
	assert.Zero(t, outcome.Failures)

	assert.Equal(t, "abcd1234", report.RunID)
	assert.Equal(t, int64(1), report.Counters["documents_run"])
	assert.Equal(t, int64(1), report.Counters["documents_toc"])
	assert.Zero(t, report.Counters["documents_tool-data"])

	require.Len(t, sink.actions, 2)

	runAction := sink.actions[0]
	assert.Equal(t, "abcd1234", runAction.ID)
	assert.Equal(t, "pbench.v6.run.2024-03", runAction.Index)
	assert.Equal(t, "pbench-run", runAction.DocType)
	assert.Equal(t, "abcd1234", runAction.Source["@generated-by"])
	assert.Contains(t, runAction.Source, "@metadata")
	assert.Contains(t, runAction.Source, "host_tools_info")

	tocAction := sink.actions[1]
	assert.Equal(t, "pbench.v6.run.2024-03", tocAction.Index)
	assert.Equal(t, "pbench-run-toc-entry", tocAction.DocType)
	assert.Equal(t, "abcd1234", tocAction.Parent)
	assert.Equal(t, "abcd1234", tocAction.Source["parent_id"])
	assert.Equal(t, "2024-03-15T00:00:00.000000", tocAction.Source["@timestamp"])
}

func TestIndexIdempotentReindex(t *testing.T) {
	tb := testTarball(t, toolsMetadata)

	dir := filepath.Join(tb.Root, "1-rr", "sample1", "tools-default", "hostA",
		"iostat", "csv")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk_IOPS.csv"), []byte(
		"timestamp_ms,sda-read,sda-write\n"+
			"1000,1.0,2.0\n"+
			"2000,1.1,2.1\n"), 0o644))

	sink := newFakeSink()
	p := testPipeline(t)

	first, firstOutcome := indexOnce(t, p, tb, sink)
	assert.Positive(t, firstOutcome.Successes)
	assert.Zero(t, firstOutcome.Duplicates)
	assert.Equal(t, int64(2), first.Counters["documents_tool-data"])

	second, secondOutcome := indexOnce(t, p, tb, sink)

	// Every document's identity is stable, so the second pass produces
	// nothing new.
	assert.Zero(t, secondOutcome.Successes)
	assert.Equal(t, firstOutcome.Successes, secondOutcome.Duplicates)
	assert.Zero(t, secondOutcome.Failures)
	assert.Equal(t, first.Counters, second.Counters)
}

func TestIndexToolDataIndexNames(t *testing.T) {
	tb := testTarball(t, toolsMetadata)

	dir := filepath.Join(tb.Root, "1-rr", "sample1", "tools-default", "hostA",
		"iostat", "csv")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk_IOPS.csv"), []byte(
		"timestamp_ms,sda-read,sda-write\n"+
			"1000,1.0,2.0\n"), 0o644))

	sink := newFakeSink()
	indexOnce(t, testPipeline(t), tb, sink)

	var toolAction *document.Action
	for _, action := range sink.actions {
		if action.DocType == "pbench-tool-data-iostat" {
			toolAction = action
		}
	}

	require.NotNil(t, toolAction)

	// Tool data buckets daily, embedding the tool name in the index.
	assert.Equal(t, "pbench.v3.tool-data-iostat.2024-03-15", toolAction.Index)
	assert.Equal(t, "abcd1234", toolAction.Source["@generated-by"])
}
