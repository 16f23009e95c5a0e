package resultdata

import (
	"archive/tar"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
)

const testMetadata = `[run]
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

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// writeArchive builds a minimal real .tar.xz whose single member carries the
// expected prefix, enough to satisfy the archive structure checks.
func writeArchive(t *testing.T, path, prefix string) {
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
		Size: int64(len(testMetadata)),
	}))

	_, err = tw.Write([]byte(testMetadata))
	require.NoError(t, err)

	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())
}

func testTarball(t *testing.T) *tarball.Tarball {
	t.Helper()

	base := t.TempDir()
	controllerDir := filepath.Join(base, "archive", "hostA.example.com")
	require.NoError(t, os.MkdirAll(controllerDir, 0o755))

	prefix := "fio_run1_2024.03.15T00.00.00"
	archive := filepath.Join(controllerDir, prefix+".tar.xz")
	writeArchive(t, archive, prefix)
	require.NoError(t, os.WriteFile(archive+".md5", []byte("abcd1234\n"), 0o644))

	extractedRoot := filepath.Join(base, "incoming", "hostA.example.com")
	root := filepath.Join(extractedRoot, prefix)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "1-rr"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "metadata.log"), []byte(testMetadata), 0o644))

	tb, err := tarball.Open(testLogger(), archive, extractedRoot)
	require.NoError(t, err)

	return tb
}

func writeResultJSON(t *testing.T, tb *tarball.Tarball, v any) {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(tb.Root, "result.json"), data, 0o644))
}

// fioResult builds a minimal single-iteration fio result with one throughput
// measurement holding two samples of two timeseries entries each. Timestamps
// are offsets from the run start in milliseconds.
func fioResult() []map[string]any {
	sample := func(base float64) map[string]any {
		return map[string]any{
			"mean": 100.0,
			"timeseries": []any{
				map[string]any{"date": base, "value": 99.0},
				map[string]any{"date": base + 1000, "value": 101.0},
			},
		}
	}

	return []map[string]any{
		{
			"iteration_number": 1,
			"iteration_name":   "rr",
			"iteration_data": map[string]any{
				"parameters": map[string]any{
					"benchmark": []any{
						map[string]any{
							"benchmark_name":    "fio",
							"benchmark_version": "3.3",
							"uid":               "benchmark_name:%benchmark_name%-controller_host:%controller_host%",
							"runtime":           30,
						},
						map[string]any{
							"clients": "hostB",
							"runtime": 60,
						},
					},
				},
				"throughput": map[string]any{
					"iops_sec": []any{
						map[string]any{
							"client_hostname": "all",
							"closest sample":  1,
							"uid":             "client_hostname:%client_hostname%",
							"samples":         []any{sample(1000), sample(5000)},
						},
					},
				},
			},
		},
	}
}

func collect(t *testing.T, tb *tarball.Tarball, counters document.Counters) []*document.Document {
	t.Helper()

	var docs []*document.Document
	err := New(testLogger(), tb).Transform(counters, func(d *document.Document) error {
		docs = append(docs, d)

		return nil
	})
	require.NoError(t, err)

	return docs
}

func TestTransform(t *testing.T) {
	tb := testTarball(t)
	writeResultJSON(t, tb, fioResult())

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	// Two samples, each followed by its two metric documents.
	require.Len(t, docs, 6)
	assert.Equal(t, document.CategoryResultSample, docs[0].Category)
	assert.Equal(t, document.CategoryResultMetric, docs[1].Category)
	assert.Equal(t, document.CategoryResultMetric, docs[2].Category)
	assert.Equal(t, document.CategoryResultSample, docs[3].Category)

	sampleDoc := docs[0]
	assert.Equal(t, "2024-03-15T00:00:01.000000", sampleDoc.Timestamp)
	assert.Empty(t, sampleDoc.Parent)

	sampleID, err := sampleDoc.Identity()
	require.NoError(t, err)
	assert.Equal(t, sampleID, docs[1].Parent)
	assert.Equal(t, sampleID, docs[2].Parent)

	secondID, err := docs[3].Identity()
	require.NoError(t, err)
	assert.Equal(t, secondID, docs[4].Parent)
	assert.NotEqual(t, sampleID, secondID)

	sample, ok := sampleDoc.Fields["sample"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sample1", sample["name"])
	assert.Equal(t, 0, sample["@idx"])
	assert.Equal(t, "throughput", sample["measurement_type"])
	assert.Equal(t, "iops_sec", sample["measurement_title"])
	assert.Equal(t, 0, sample["measurement_idx"])
	assert.Equal(t, "2024-03-15T00:00:01.000000", sample["start"])
	assert.Equal(t, "2024-03-15T00:00:02.000000", sample["end"])
	assert.Equal(t, float64(1), sample["closest_sample"])
	assert.NotContains(t, sample, "closest sample")
	assert.NotContains(t, sample, "timeseries")
	assert.NotContains(t, sample, "samples")

	// The per-measurement uid expands from the measurement's own fields.
	assert.Equal(t, "client_hostname:all", sample["uid"])
	assert.Equal(t, "client_hostname:%client_hostname%", sample["uid_tmpl"])

	benchmark, ok := sampleDoc.Fields["benchmark"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "fio", benchmark["name"])
	assert.Equal(t, "3.3", benchmark["version"])
	assert.NotContains(t, benchmark, "benchmark_name")
	assert.NotContains(t, benchmark, "benchmark_version")
	assert.Equal(t, "hostB", benchmark["clients"])

	// The conflicting runtime from the second parameter entry is renamed
	// with the benchmark prefix; the surviving one is a string.
	assert.Equal(t, "30", benchmark["runtime"])
	assert.Equal(t, float64(60), benchmark["fio_runtime"])

	// The benchmark uid resolves the controller from the run metadata.
	assert.Equal(t,
		"benchmark_name:fio-controller_host:hostA.example.com",
		benchmark["uid"])

	iteration, ok := sampleDoc.Fields["iteration"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1-rr", iteration["name"])
	assert.Equal(t, int64(1), iteration["number"])

	metricDoc := docs[1]
	assert.Equal(t, "2024-03-15T00:00:01.000000", metricDoc.Timestamp)

	result, ok := metricDoc.Fields["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 99.0, result["value"])
	assert.Equal(t, 0, result["@idx"])
	assert.NotContains(t, result, "date")

	run, ok := metricDoc.Fields["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, tb.MD5, run["id"])
	assert.Equal(t, "run1", run["name"])
	assert.Len(t, run, 2)

	metricSample, ok := metricDoc.Fields["sample"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sample1", metricSample["name"])
	assert.NotContains(t, metricSample, "mean")

	assert.Empty(t, counters)
}

func TestTransformNoResultJSON(t *testing.T) {
	tb := testTarball(t)

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	assert.Empty(t, docs)
	assert.Empty(t, counters)
}

func TestTransformInvalidJSON(t *testing.T) {
	tb := testTarball(t)
	require.NoError(t, os.WriteFile(
		filepath.Join(tb.Root, "result.json"), []byte("{not json"), 0o644))

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	assert.Empty(t, docs)
	assert.Equal(t, int64(1), counters["not_valid_json_file"])
}

func TestTransformUnsupportedBenchmark(t *testing.T) {
	tb := testTarball(t)

	result := fioResult()
	params := result[0]["iteration_data"].(map[string]any)["parameters"].(map[string]any)
	params["benchmark"].([]any)[0].(map[string]any)["benchmark_name"] = "linpack"

	writeResultJSON(t, tb, result)

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	assert.Empty(t, docs)
	assert.Empty(t, counters)
}

func TestTransformBadIterationName(t *testing.T) {
	tb := testTarball(t)

	result := fioResult()
	result[0]["iteration_name"] = "no-such-iteration"

	writeResultJSON(t, tb, result)

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	assert.Empty(t, docs)
	assert.Equal(t, int64(1), counters["bad_iteration_name"])
}

func TestTransformSampleTimeseriesProblems(t *testing.T) {
	tb := testTarball(t)

	result := fioResult()
	measurement := result[0]["iteration_data"].(map[string]any)["throughput"].(map[string]any)["iops_sec"].([]any)[0].(map[string]any)
	measurement["samples"] = []any{
		map[string]any{"mean": 1.0},
		map[string]any{"mean": 2.0, "timeseries": []any{}},
		map[string]any{"mean": 3.0, "timeseries": []any{
			map[string]any{"date": 1000.0, "value": 1.0},
		}},
	}

	writeResultJSON(t, tb, result)

	counters := document.Counters{}
	docs := collect(t, tb, counters)

	// Only the third sample survives: one sample document plus one metric.
	require.Len(t, docs, 2)
	assert.Equal(t, int64(1), counters["sample_missing_timeseries"])
	assert.Equal(t, int64(1), counters["sample_empty_timeseries"])

	sample, ok := docs[0].Fields["sample"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 0, sample["@idx"])
	assert.Equal(t, "sample1", sample["name"])
}

func TestExpandTemplate(t *testing.T) {
	md := map[string]any{
		"name":     "fio",
		"bs":       "4k",
		"numjobs":  float64(8),
		"poisoned": "keep",
	}
	run := map[string]any{"controller": "ctrl.example.com"}

	assert.Equal(t, "fio-4k-8",
		ExpandTemplate("%benchmark_name%-%bs%-%numjobs%", md, run))
	assert.Equal(t, "ctrl.example.com",
		ExpandTemplate("%controller_host%", md, run))

	// Unknown keywords stay in place.
	assert.Equal(t, "x-%nope%", ExpandTemplate("x-%nope%", md, run))
}
