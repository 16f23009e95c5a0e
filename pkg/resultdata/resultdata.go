// Package resultdata turns a run's top-level result.json into benchmark
// result documents: one sample document per recorded sample, parenting the
// individual timeseries metric documents belonging to it.
package resultdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/tarball"
	"github.com/perfscale/pbench-indexer/pkg/timestamp"
	"github.com/perfscale/pbench-indexer/pkg/tooldata"
)

// supportedBenchmarks are the bench scripts whose result.json layout the
// transformer understands. Results from anything else are skipped whole.
var supportedBenchmarks = map[string]struct{}{
	"fio":            {},
	"trafficgen":     {},
	"uperf":          {},
	"user-benchmark": {},
}

// resultTypes are the measurement families a benchmark may produce, in
// emission order.
var resultTypes = []string{"latency", "resource", "throughput"}

// Transformer produces result-data documents for one archive.
type Transformer struct {
	log logrus.FieldLogger
	tb  *tarball.Tarball

	runMetadata map[string]any
}

// New creates the transformer for one archive.
func New(log logrus.FieldLogger, tb *tarball.Tarball) *Transformer {
	return &Transformer{
		log:         log.WithField("component", "resultdata"),
		tb:          tb,
		runMetadata: tooldata.RunMetadataSubset(tb),
	}
}

// Transform reads the run's top-level result.json and emits every sample and
// metric document it yields. Sample and iteration level result.json files are
// exact subsets of the top-level one and are never read. A run without a
// result.json is not an error.
func (t *Transformer) Transform(counters document.Counters, emit tooldata.Emit) error {
	path := filepath.Join(t.tb.Root, "result.json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("reading %s: %w", path, err)
	}

	var iterations []map[string]any
	if err := json.Unmarshal(data, &iterations); err != nil {
		t.log.WithError(err).WithField("path", path).
			Warn("Encountered invalid result JSON file")
		counters.Inc("not_valid_json_file")

		return nil
	}

	for _, iteration := range iterations {
		number, okNumber := asInt(iteration["iteration_number"])
		name, okName := iteration["iteration_name"].(string)
		iterData, okData := iteration["iteration_data"].(map[string]any)

		if !okNumber || !okName || !okData {
			t.log.WithField("path", path).
				Warn("Could not find iteration data in result JSON file")
			counters.Inc("missing_iteration")

			continue
		}

		// The recorded iteration name may or may not carry the "<seq>-"
		// directory prefix; the on-disk iteration directory decides.
		if !t.isIterationDir(name) {
			prefixed := fmt.Sprintf("%d-%s", number, name)
			if !t.isIterationDir(prefixed) {
				t.log.WithFields(logrus.Fields{
					"path":      path,
					"iteration": name,
				}).Warn("Encountered bad iteration name in result JSON file")
				counters.Inc("bad_iteration_name")

				continue
			}

			name = prefixed
		}

		if err := t.handleIteration(iterData, name, number, counters, emit); err != nil {
			return err
		}
	}

	return nil
}

func (t *Transformer) isIterationDir(name string) bool {
	fi, err := os.Stat(filepath.Join(t.tb.Root, name))

	return err == nil && fi.IsDir()
}

// handleIteration merges the iteration's benchmark parameter entries into one
// metadata mapping and emits the documents for each of its measurements.
func (t *Transformer) handleIteration(
	iterData map[string]any,
	iterName string,
	iterNumber int64,
	counters document.Counters,
	emit tooldata.Emit,
) error {
	benchmark, ok := t.benchmarkMetadata(iterData, counters)
	if !ok {
		return nil
	}

	iteration := map[string]any{
		"name":   iterName,
		"number": iterNumber,
	}

	for _, resultType := range resultTypes {
		typeResults, ok := iterData[resultType].(map[string]any)
		if !ok {
			continue
		}

		titles := make([]string, 0, len(typeResults))
		for title := range typeResults {
			titles = append(titles, title)
		}

		sort.Strings(titles)

		for _, title := range titles {
			elements, ok := typeResults[title].([]any)
			if !ok {
				continue
			}

			for idx, raw := range elements {
				element, ok := raw.(map[string]any)
				if !ok {
					continue
				}

				err := t.handleMeasurement(measurement{
					resultType: resultType,
					title:      title,
					idx:        idx,
					element:    element,
					benchmark:  benchmark,
					iteration:  iteration,
				}, counters, emit)
				if err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// benchmarkMetadata folds the parameters.benchmark array into a single
// mapping. The entry carrying benchmark_name seeds the merge; keys of the
// remaining entries that collide are renamed with the benchmark name and a
// growing underscore separator so no value is lost.
func (t *Transformer) benchmarkMetadata(
	iterData map[string]any, counters document.Counters,
) (map[string]any, bool) {
	params, _ := iterData["parameters"].(map[string]any)

	entries, ok := params["benchmark"].([]any)
	if !ok {
		t.log.Warn("Bad result data: parameters.benchmark is not a list")
		counters.Inc("bad_result_data_in_json_file")

		return nil, false
	}

	md := map[string]any{}

	var rest []map[string]any
	found := false
	for _, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		if _, has := entry["benchmark_name"]; has && !found {
			for k, v := range entry {
				md[k] = v
			}

			found = true

			continue
		}

		rest = append(rest, entry)
	}

	name, _ := md["benchmark_name"].(string)
	if name == "" {
		t.log.Warn("Bad result data: missing benchmark_name field")
		counters.Inc("bad_result_data_missing_benchmark_name")

		return nil, false
	}

	if _, supported := supportedBenchmarks[name]; !supported {
		return nil, false
	}

	delete(md, "benchmark_name")
	md["name"] = name

	if version, has := md["benchmark_version"]; has {
		delete(md, "benchmark_version")

		if version != nil {
			md["version"] = version
		}
	}

	var conflicts [][2]any
	for _, entry := range rest {
		for key, value := range entry {
			if _, dup := md[key]; dup {
				conflicts = append(conflicts, [2]any{key, value})
			} else {
				md[key] = value
			}
		}
	}

	separator := ""
	for len(conflicts) > 0 {
		separator += "_"

		var remaining [][2]any
		for _, conflict := range conflicts {
			renamed := name + separator + conflict[0].(string)
			if _, dup := md[renamed]; dup {
				remaining = append(remaining, conflict)
			} else {
				md[renamed] = conflict[1]
			}
		}

		conflicts = remaining
	}

	// Mixed numeric and string runtime values break the index mapping, so
	// the field is always a string.
	if runtime, has := md["runtime"]; has {
		md["runtime"] = fmt.Sprintf("%v", runtime)
	}

	if uid, has := md["uid"].(string); has {
		md["uid_tmpl"] = uid
		md["uid"] = ExpandTemplate(uid, md, t.runMetadata)
	}

	// trafficgen records a second, benchmark-specific uid template.
	if uid, has := md["trafficgen_uid"].(string); has {
		md["trafficgen_uid_tmpl"] = uid
		md["trafficgen_uid"] = ExpandTemplate(uid, md, t.runMetadata)
	}

	return md, true
}

// uidKeywordPat matches the %keyword% placeholders of a uid template.
var uidKeywordPat = regexp.MustCompile(`%\w*?%`)

// ExpandTemplate substitutes %keyword% placeholders from the metadata
// mapping. benchmark_name falls back to the renamed "name" field and
// controller_host to the run's controller; unknown keywords are left in
// place.
func ExpandTemplate(tmpl string, md, run map[string]any) string {
	expanded := tmpl
	for _, m := range uidKeywordPat.FindAllString(tmpl, -1) {
		key := m[1 : len(m)-1]

		value, ok := md[key]
		if !ok {
			switch {
			case key == "benchmark_name":
				value, ok = md["name"]
			case key == "controller_host" && run != nil:
				value, ok = run["controller"]
			}
		}

		if !ok {
			continue
		}

		expanded = strings.ReplaceAll(expanded, m, fmt.Sprintf("%v", value))
	}

	return expanded
}

// measurement is one result element of one (result type, title) pair.
type measurement struct {
	resultType string
	title      string
	idx        int
	element    map[string]any
	benchmark  map[string]any
	iteration  map[string]any
}

// handleMeasurement emits one sample document per recorded sample of the
// measurement, each followed by its timeseries metric documents parented to
// the sample's identity.
func (t *Transformer) handleMeasurement(
	m measurement, counters document.Counters, emit tooldata.Emit,
) error {
	samples, ok := m.element["samples"].([]any)
	if !ok {
		counters.Inc("measurement_missing_samples")

		return nil
	}

	base := map[string]any{}
	for k, v := range m.element {
		if k == "samples" {
			continue
		}

		base[k] = v
	}

	// The agent's spelling of these two fields is not a legal
	// Elasticsearch field name.
	renameKey(base, "closest sample", "closest_sample")
	renameKey(base, "read(0) or write(1)", "read_or_write")

	base["measurement_type"] = m.resultType
	base["measurement_idx"] = m.idx
	base["measurement_title"] = m.title

	if uid, has := base["uid"].(string); has {
		base["uid_tmpl"] = uid
		base["uid"] = ExpandTemplate(uid, base, nil)
	}

	runSubset := map[string]any{
		"id":   t.runMetadata["id"],
		"name": t.runMetadata["name"],
	}

	sampleIdx := 0
	for _, raw := range samples {
		sample, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		tseries, ok := sample["timeseries"].([]any)
		if !ok {
			counters.Inc("sample_missing_timeseries")

			continue
		}

		if len(tseries) == 0 {
			counters.Inc("sample_empty_timeseries")

			continue
		}

		startOrig, okStart := timeseriesDate(tseries[0])
		endOrig, okEnd := timeseriesDate(tseries[len(tseries)-1])
		if !okStart || !okEnd {
			counters.Inc("timeseries_missing_date")

			continue
		}

		start, err := t.tb.Window.NormalizeMillis(startOrig)
		if err != nil {
			counters.Inc("bad_sample_timestamp")

			continue
		}

		end, err := t.tb.Window.NormalizeMillis(endOrig)
		if err != nil {
			counters.Inc("bad_sample_timestamp")

			continue
		}

		sampleMD := map[string]any{}
		for k, v := range base {
			sampleMD[k] = v
		}

		sampleMD["@idx"] = sampleIdx
		sampleIdx++
		sampleMD["name"] = fmt.Sprintf("sample%d", sampleIdx)
		sampleMD["start"] = timestamp.Format(start)
		sampleMD["end"] = timestamp.Format(end)

		sampleSubset := map[string]any{
			"name":              sampleMD["name"],
			"@idx":              sampleMD["@idx"],
			"uid":               sampleMD["uid"],
			"measurement_type":  sampleMD["measurement_type"],
			"measurement_idx":   sampleMD["measurement_idx"],
			"measurement_title": sampleMD["measurement_title"],
		}

		startTS := timestamp.Format(start)
		sampleDoc := &document.Document{
			Category:  document.CategoryResultSample,
			Timestamp: startTS,
			Fields: map[string]any{
				"@timestamp":          startTS,
				"@timestamp_original": formatMillis(startOrig),
				"run":                 t.runMetadata,
				"iteration":           m.iteration,
				"benchmark":           m.benchmark,
				"sample":              sampleMD,
			},
		}

		sampleID, err := sampleDoc.Identity()
		if err != nil {
			return err
		}

		if err := emit(sampleDoc); err != nil {
			return err
		}

		if err := t.emitTimeseries(timeseriesArgs{
			entries:      tseries,
			sampleID:     sampleID,
			runSubset:    runSubset,
			iteration:    m.iteration,
			sampleSubset: sampleSubset,
		}, counters, emit); err != nil {
			return err
		}
	}

	return nil
}

type timeseriesArgs struct {
	entries      []any
	sampleID     string
	runSubset    map[string]any
	iteration    map[string]any
	sampleSubset map[string]any
}

// emitTimeseries produces one metric document per timeseries entry, parented
// to the owning sample.
func (t *Transformer) emitTimeseries(
	args timeseriesArgs, counters document.Counters, emit tooldata.Emit,
) error {
	var prevOrig float64
	seenPrev := false
	valueIdx := 0

	for _, raw := range args.entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		orig, ok := timeseriesDate(entry)
		if !ok {
			counters.Inc("timeseries_missing_date")

			continue
		}

		if seenPrev && prevOrig > orig {
			counters.Inc("timestamps_out_of_order")
		}

		prevOrig = orig
		seenPrev = true

		ts, err := t.tb.Window.NormalizeMillis(orig)
		if err != nil {
			var bad *timestamp.BadTimestampError
			if !errors.As(err, &bad) {
				return err
			}

			counters.Inc("bad_metric_timestamp")

			continue
		}

		result := map[string]any{}
		for k, v := range entry {
			if k == "date" {
				continue
			}

			result[k] = v
		}

		renameKey(result, "read(0) or write(1)", "read_or_write")
		result["@idx"] = valueIdx
		valueIdx++

		tsStr := timestamp.Format(ts)
		doc := &document.Document{
			Category:  document.CategoryResultMetric,
			Timestamp: tsStr,
			Parent:    args.sampleID,
			Fields: map[string]any{
				"@timestamp":          tsStr,
				"@timestamp_original": formatMillis(orig),
				"run":                 args.runSubset,
				"iteration":           args.iteration,
				"sample":              args.sampleSubset,
				"result":              result,
			},
		}

		if err := emit(doc); err != nil {
			return err
		}
	}

	return nil
}

// timeseriesDate extracts the raw epoch-milliseconds "date" of a timeseries
// entry, accepting either a JSON number or a numeric string.
func timeseriesDate(raw any) (float64, bool) {
	entry, ok := raw.(map[string]any)
	if !ok {
		return 0, false
	}

	switch v := entry["date"].(type) {
	case float64:
		return v, true
	case string:
		var millis float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &millis); err == nil {
			return millis, true
		}
	}

	return 0, false
}

func formatMillis(millis float64) string {
	return strings.TrimRight(strings.TrimRight(
		fmt.Sprintf("%.3f", millis), "0"), ".")
}

func renameKey(m map[string]any, from, to string) {
	if v, has := m[from]; has {
		m[to] = v
		delete(m, from)
	}
}

func asInt(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
