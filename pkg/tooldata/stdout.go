package tooldata

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// stdout processes periodic "timestamp: <seconds>" delimited text captures
// through the pattern's sub-format parser.
func (e *emitter) stdout(artifacts []artifact) error {
	for _, a := range artifacts {
		var err error
		switch a.pattern.Subformat {
		case "keyval":
			err = e.stdoutKeyval(a)
		case "procint":
			err = e.stdoutProcint(a)
		default:
			e.log().WithField("subformat", a.pattern.Subformat).
				Warn("Unrecognized stdout sub-format")
			e.counters.Inc("unrecognized_subformat")

			continue
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// periodicTimestamp parses one "timestamp: <seconds>" marker line and
// normalizes it into the run window.
func (e *emitter) periodicTimestamp(line string) (raw float64, ts string, err error) {
	value := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])

	raw, err = strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, "", &timestamp.BadTimestampError{
			Value:  value,
			Reason: "timestamp marker is not a float in seconds since the epoch",
		}
	}

	abs, err := e.transformer.tb.Window.NormalizeSeconds(raw)
	if err != nil {
		return 0, "", err
	}

	return raw, timestamp.Format(abs), nil
}

// markerOrder checks non-decreasing marker timestamps within one capture.
func (e *emitter) markerOrder(prev, current float64, seenPrev bool, path string) {
	if seenPrev && prev > current {
		e.log().WithField("path", path).
			Warn("Out of order timestamp markers in stdout capture")
		e.counters.Inc("timestamps_out_of_order")
	}
}

// stdoutKeyval reads the "key value" sub-format: each timestamp marker is
// followed by key/value lines, all folded into one document per marker.
// Keys split on the first underscore into stat and sub-stat; values carry
// both the raw gauge and, from the second marker on, the rate computed
// against the previous gauge.
func (e *emitter) stdoutKeyval(a artifact) error {
	f, err := os.Open(a.path)
	if err != nil {
		e.log().WithError(err).Warn("Skipping unreadable stdout artifact")
		e.counters.Inc("unreadable_stdout_file")

		return nil
	}
	defer f.Close()

	var (
		idx        int
		rawTS      float64
		lastMarker float64
		markerSeen bool
		tsStr      string
		tsOrig     string
		havePrev   bool
		prevRawTS  float64
		gauge      map[string]any
		rate       map[string]any
		prevGauge  map[string]any
		inRecord   bool
	)

	flush := func() error {
		if !inRecord {
			return nil
		}

		payload := map[string]any{
			"@idx":  idx,
			"gauge": gauge,
		}

		if len(rate) > 0 {
			payload["rate"] = rate
		}

		if err := e.document(tsStr, tsOrig, payload); err != nil {
			return err
		}

		idx++
		prevGauge = gauge
		prevRawTS = rawTS
		havePrev = true
		inRecord = false

		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "timestamp:") {
			if err := flush(); err != nil {
				return err
			}

			raw, ts, err := e.periodicTimestamp(line)
			if err != nil {
				var bad *timestamp.BadTimestampError
				if errors.As(err, &bad) {
					e.counters.Inc("bad_stdout_timestamp")
					inRecord = false

					continue
				}

				return err
			}

			e.markerOrder(lastMarker, raw, markerSeen, a.path)
			lastMarker = raw
			markerSeen = true

			rawTS = raw
			tsStr = ts
			tsOrig = strconv.FormatFloat(raw, 'f', -1, 64)
			gauge = map[string]any{}
			rate = map[string]any{}
			inRecord = true

			continue
		}

		if !inRecord {
			// Ignore everything up to the first timestamp marker.
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}

		key, rawValue := fields[0], fields[1]

		value := e.convertCell(a.pattern, rawValue)

		stat, substat, split := strings.Cut(key, "_")
		if !split {
			// Conflicting key shapes across tool versions are
			// renamed so both shapes stay indexable.
			stat = e.transformer.registry.Remap(e.tool, key)
			gauge[stat] = value

			if havePrev {
				if r, ok := computeRate(value, prevGauge[stat], rawTS-prevRawTS); ok {
					rate[stat] = r
				}
			}

			continue
		}

		statGauge, ok := gauge[stat].(map[string]any)
		if !ok {
			statGauge = map[string]any{}
			gauge[stat] = statGauge
		}

		statGauge[substat] = value

		if havePrev {
			prevStat, _ := prevGauge[stat].(map[string]any)
			if r, ok := computeRate(value, prevStat[substat], rawTS-prevRawTS); ok {
				statRate, ok := rate[stat].(map[string]any)
				if !ok {
					statRate = map[string]any{}
					rate[stat] = statRate
				}

				statRate[substat] = r
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", a.path, err)
	}

	// A trailing marker with no key/value payload is not a record.
	if len(gauge) == 0 {
		inRecord = false
	}

	return flush()
}

// stdoutProcint reads the two-dimensional proc-interrupts capture: each
// timestamp marker is followed by a CPU column header and one line per
// interrupt source, emitting one document per (interrupt, cpu) cell. The
// ERR and MIS totals have no per-CPU columns and emit a single document.
func (e *emitter) stdoutProcint(a artifact) error {
	f, err := os.Open(a.path)
	if err != nil {
		e.log().WithError(err).Warn("Skipping unreadable stdout artifact")
		e.counters.Inc("unreadable_stdout_file")

		return nil
	}
	defer f.Close()

	var (
		idx        = -1
		rawTS      float64
		markerSeen bool
		tsStr      string
		tsOrig     string
		prevRawTS  float64
		cpuIDs     []string
		inBlock    bool

		// prevGauges keys each interrupt source to its previous
		// per-CPU gauges (or single total for ERR/MIS).
		prevGauges = map[string][]float64{}
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "timestamp:") {
			idx++

			raw, ts, err := e.periodicTimestamp(line)
			if err != nil {
				var bad *timestamp.BadTimestampError
				if errors.As(err, &bad) {
					e.counters.Inc("bad_stdout_timestamp")
					inBlock = false

					continue
				}

				return err
			}

			e.markerOrder(rawTS, raw, markerSeen, a.path)

			if markerSeen {
				prevRawTS = rawTS
			}

			markerSeen = true
			rawTS = raw
			tsStr = ts
			tsOrig = strconv.FormatFloat(raw, 'f', -1, 64)

			// The line after the marker is the CPU column header.
			if !scanner.Scan() {
				break
			}

			cpuIDs = cpuIDs[:0]
			headerOK := true
			for _, col := range strings.Fields(scanner.Text()) {
				if !strings.HasPrefix(col, "CPU") {
					headerOK = false

					break
				}

				cpuIDs = append(cpuIDs, strings.TrimPrefix(col, "CPU"))
			}

			if !headerOK || len(cpuIDs) == 0 {
				e.log().WithField("path", a.path).
					Warn("Malformed proc-interrupts CPU header")
				e.counters.Inc("bad_procint_header")
				inBlock = false

				continue
			}

			inBlock = true

			continue
		}

		if !inBlock {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.HasSuffix(fields[0], ":") {
			continue
		}

		intID := strings.TrimSuffix(fields[0], ":")
		elapsed := rawTS - prevRawTS

		if intID == "ERR" || intID == "MIS" {
			value, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				e.counters.Inc("value_conversion_failed")

				continue
			}

			payload := map[string]any{
				"@idx":   idx,
				"int_id": intID,
				"gauge":  toGaugeValue(a.pattern, value),
			}

			if prev, ok := prevGauges[intID]; ok && elapsed > 0 {
				payload["rate"] = (value - prev[0]) / elapsed
			}

			prevGauges[intID] = []float64{value}

			if err := e.document(tsStr, tsOrig, payload); err != nil {
				return err
			}

			continue
		}

		if len(fields) < 1+len(cpuIDs) {
			e.counters.Inc("bad_procint_row")

			continue
		}

		desc := strings.Join(fields[1+len(cpuIDs):], " ")

		values := make([]float64, 0, len(cpuIDs))
		ok := true
		for col := 0; col < len(cpuIDs); col++ {
			v, err := strconv.ParseFloat(fields[1+col], 64)
			if err != nil {
				e.counters.Inc("value_conversion_failed")
				ok = false

				break
			}

			values = append(values, v)
		}

		if !ok {
			continue
		}

		prev, hadPrev := prevGauges[intID]

		for col, cpu := range cpuIDs {
			payload := map[string]any{
				"@idx":   idx,
				"int_id": intID,
				"cpu_id": cpu,
				"desc":   desc,
				"gauge":  toGaugeValue(a.pattern, values[col]),
			}

			if hadPrev && col < len(prev) && elapsed > 0 {
				payload["rate"] = (values[col] - prev[col]) / elapsed
			}

			if err := e.document(tsStr, tsOrig, payload); err != nil {
				return err
			}
		}

		prevGauges[intID] = values
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", a.path, err)
	}

	return nil
}

// toGaugeValue renders a parsed cell in the handler's declared type.
func toGaugeValue(pattern *FilePattern, v float64) any {
	if pattern.Convert == nil {
		return v
	}

	if converted, err := pattern.Convert(strconv.FormatFloat(v, 'f', -1, 64)); err == nil {
		return converted
	}

	return v
}

// computeRate derives (current - previous) / elapsedSeconds, handling the
// mixed numeric types gauges are stored with. No rate is produced for the
// first sample or when the previous gauge is missing.
func computeRate(current, previous any, elapsed float64) (float64, bool) {
	if elapsed <= 0 {
		return 0, false
	}

	cur, okCur := asFloat(current)
	prev, okPrev := asFloat(previous)
	if !okCur || !okPrev {
		return 0, false
	}

	return (cur - prev) / elapsed, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
