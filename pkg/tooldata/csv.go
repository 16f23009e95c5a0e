package tooldata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// noIdentifier keys the single shared identifier slot for tools whose
// column headers carry no identifier at all (vmstat).
const noIdentifier = "__none__"

// csvFile is one open CSV artifact being unified.
type csvFile struct {
	artifact
	f      *os.File
	reader *csv.Reader
	header []string
	done   bool

	// fields maps a column index to its decoded identifier/sub-field
	// pair; index 0 (timestamp_ms) has no entry.
	fields map[int]colField
}

type colField struct {
	identifier string
	subfield   string
}

func openCSV(a artifact) (*csvFile, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", a.path, err)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("reading header of %s: %w", a.path, err)
	}

	return &csvFile{
		artifact: a,
		f:        f,
		reader:   reader,
		header:   header,
		fields:   map[int]colField{},
	}, nil
}

func (c *csvFile) close() {
	if c.f != nil {
		c.f.Close()
		c.f = nil
	}
}

// next reads one data row, reporting done once the file is exhausted. A
// malformed row also ends the file's contribution.
func (c *csvFile) next() ([]string, bool) {
	if c.done {
		return nil, false
	}

	row, err := c.reader.Read()
	if err != nil {
		c.done = true
		c.close()

		return nil, false
	}

	return row, true
}

// regexGroup extracts a named group from a match, reporting whether the
// pattern defines the group at all.
func regexGroup(pattern *regexp.Regexp, match []string, name string) (string, bool) {
	idx := pattern.SubexpIndex(name)
	if idx < 0 || idx >= len(match) {
		return "", false
	}

	return match[idx], true
}

// columnMetadata derives structured metadata (e.g. pid and command) from a
// column header through the pattern's secondary metadata expression.
func (e *emitter) columnMetadata(pattern *FilePattern, col string) map[string]any {
	m := pattern.MetadataPat.FindStringSubmatch(col)
	if m == nil {
		return nil
	}

	md := map[string]any{}
	for _, name := range pattern.Metadata {
		v, ok := regexGroup(pattern.MetadataPat, m, name)
		if !ok {
			e.counters.Inc("expected_column_metadata_not_found")

			continue
		}

		md[name] = v
	}

	return md
}

// convertCell applies the pattern's converter, falling back to the raw
// string (and counting the anomaly) when the cell does not parse.
func (e *emitter) convertCell(pattern *FilePattern, raw string) any {
	if pattern.Convert == nil {
		return raw
	}

	v, err := pattern.Convert(raw)
	if err != nil {
		e.counters.Inc("value_conversion_failed")

		return raw
	}

	return v
}

// unifyCSV merges N related CSV files in lockstep: one row per file per
// step, all columns for one identifier at one timestamp folded into a
// single document.
func (e *emitter) unifyCSV(artifacts []artifact) error {
	var (
		files       []*csvFile
		identifiers []string
		seen        = map[string]struct{}{}
		classes     = map[string]struct{}{}
		metadata    = map[string]map[string]any{}
	)

	for _, a := range artifacts {
		file, err := openCSV(a)
		if err != nil {
			e.log().WithError(err).Warn("Skipping unreadable CSV artifact")
			e.counters.Inc("unreadable_csv_file")

			continue
		}

		if len(file.header) == 0 || file.header[0] != "timestamp_ms" {
			e.log().WithField("path", a.path).
				Warn("Expected first CSV column to be timestamp_ms")
			e.counters.Inc("first_column_not_timestamp_ms")
			file.close()

			continue
		}

		if a.pattern.Class != "" {
			classes[a.pattern.Class] = struct{}{}
		}

		for idx, col := range file.header {
			if idx == 0 {
				continue
			}

			field := colField{identifier: noIdentifier}

			m := a.pattern.ColPat.FindStringSubmatch(col)
			if m != nil {
				if id, ok := regexGroup(a.pattern.ColPat, m, "id"); ok {
					field.identifier = id
				}

				if sub, ok := regexGroup(a.pattern.ColPat, m, "subfield"); ok {
					if containsString(a.pattern.Subfields, sub) {
						field.subfield = sub
					} else {
						e.log().WithFields(map[string]any{
							"column": col,
							"path":   a.path,
						}).Warn("Column header has an unexpected subfield")
						e.counters.Inc("column_subfields_do_not_match_handler")
					}
				}
			}

			file.fields[idx] = field

			if _, dup := seen[field.identifier]; !dup {
				seen[field.identifier] = struct{}{}
				identifiers = append(identifiers, field.identifier)
			}

			if a.pattern.MetadataPat != nil {
				if md := e.columnMetadata(a.pattern, col); len(md) > 0 {
					metadata[field.identifier] = md
				}
			}
		}

		files = append(files, file)
	}

	if len(files) == 0 {
		return nil
	}

	defer func() {
		for _, file := range files {
			file.close()
		}
	}()

	prevTS := ""
	for step := 0; ; step++ {
		type fileRow struct {
			file *csvFile
			row  []string
		}

		var rows []fileRow
		exhausted := 0
		for _, file := range files {
			row, ok := file.next()
			if !ok {
				exhausted++

				continue
			}

			rows = append(rows, fileRow{file: file, row: row})
		}

		if len(rows) == 0 {
			break
		}

		// Readers finishing at different steps mean the related CSV
		// files disagree on row counts; the shorter ones just stop
		// contributing, but the mismatch is worth reporting.
		if exhausted > 0 && step > 0 {
			e.counters.Inc("csv_row_count_mismatch")
		}

		first := rows[0].row[0]
		for _, fr := range rows[1:] {
			if fr.row[0] != first {
				e.log().Warn("CSV files have inconsistent timestamps per row")
				e.counters.Inc("inconsistent_timestamps_across_csv_files")

				break
			}
		}

		e.checkMonotonic(prevTS, first, rows[0].file.path)
		prevTS = first

		ts, err := e.transformer.tb.Window.NormalizeMillisString(first)
		if err != nil {
			var bad *timestamp.BadTimestampError
			if errors.As(err, &bad) {
				e.counters.Inc("bad_row_timestamp")

				continue
			}

			return err
		}

		tsStr := timestamp.Format(ts)

		// One payload per identifier for this row step.
		payloads := map[string]map[string]any{}
		for _, identifier := range identifiers {
			payload := map[string]any{"@idx": step}
			if identifier != noIdentifier {
				payload["id"] = identifier
			}

			for md, v := range metadata[identifier] {
				payload[md] = v
			}

			for class := range classes {
				payload[class] = map[string]any{}
			}

			payloads[identifier] = payload
		}

		for _, fr := range rows {
			pattern := fr.file.pattern

			for idx, raw := range fr.row {
				if idx == 0 {
					continue
				}

				field, ok := fr.file.fields[idx]
				if !ok {
					continue
				}

				target := payloads[field.identifier]
				if pattern.Class != "" {
					target = target[pattern.Class].(map[string]any)
				}

				value := e.convertCell(pattern, raw)
				if field.subfield != "" {
					sub, ok := target[pattern.Metric].(map[string]any)
					if !ok {
						sub = map[string]any{}
						target[pattern.Metric] = sub
					}

					sub[field.subfield] = value
				} else {
					target[pattern.Metric] = value
				}
			}
		}

		for _, identifier := range identifiers {
			if err := e.document(tsStr, first, payloads[identifier]); err != nil {
				return err
			}
		}
	}

	return nil
}

// individualCSV reads each CSV file on its own, emitting one document per
// data row; the identifier is embedded in the file name.
func (e *emitter) individualCSV(artifacts []artifact) error {
	for _, a := range artifacts {
		m := a.pattern.Pattern.FindStringSubmatch(a.basename)
		if m == nil {
			continue
		}

		id, ok := regexGroup(a.pattern.Pattern, m, "id")
		if !ok {
			// Only files whose pattern embeds the identifier can be
			// indexed individually.
			continue
		}

		file, err := openCSV(a)
		if err != nil {
			e.log().WithError(err).Warn("Skipping unreadable CSV artifact")
			e.counters.Inc("unreadable_csv_file")

			continue
		}

		if len(file.header) == 0 || file.header[0] != "timestamp_ms" {
			e.log().WithField("path", a.path).
				Warn("Expected first CSV column to be timestamp_ms")
			e.counters.Inc("first_column_not_timestamp_ms")
			file.close()

			continue
		}

		prevTS := ""
		for step := 0; ; {
			row, ok := file.next()
			if !ok {
				break
			}

			if len(row) == 0 {
				continue
			}

			e.checkMonotonic(prevTS, row[0], a.path)
			prevTS = row[0]

			ts, err := e.transformer.tb.Window.NormalizeMillisString(row[0])
			if err != nil {
				var bad *timestamp.BadTimestampError
				if errors.As(err, &bad) {
					e.counters.Inc("bad_row_timestamp")

					continue
				}

				file.close()

				return err
			}

			metric := map[string]any{}
			for col := 1; col < len(row) && col < len(file.header); col++ {
				v, err := strconv.ParseFloat(row[col], 64)
				if err != nil {
					e.counters.Inc("value_conversion_failed")

					continue
				}

				metric[file.header[col]] = v
			}

			payload := map[string]any{
				"id":   id,
				"@idx": step,
			}

			target := payload
			if a.pattern.Class != "" {
				class := map[string]any{}
				payload[a.pattern.Class] = class
				target = class
			}

			target[a.pattern.Metric] = metric

			if err := e.document(timestamp.Format(ts), row[0], payload); err != nil {
				file.close()

				return err
			}

			step++
		}
	}

	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}

	return false
}
