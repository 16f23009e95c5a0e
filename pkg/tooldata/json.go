package tooldata

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// jsonArray processes artifacts holding a JSON array of ready-made field
// mappings. Each element must carry an "@timestamp" in either epoch
// seconds or ISO form; elements with missing, unparseable or
// out-of-window timestamps are dropped and counted so one bad element
// never blocks the rest of the file.
func (e *emitter) jsonArray(artifacts []artifact) error {
	for _, a := range artifacts {
		data, err := os.ReadFile(a.path)
		if err != nil {
			e.log().WithError(err).Warn("Skipping unreadable JSON artifact")
			e.counters.Inc("bad_json_file")

			continue
		}

		var payload []map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			e.log().WithError(err).WithField("path", a.path).
				Warn("Encountered bad JSON tool data file")
			e.counters.Inc("bad_json_file")

			continue
		}

		for idx, element := range payload {
			rawTS, ok := element["@timestamp"]
			if !ok {
				e.counters.Inc("json_doc_missing_timestamp")

				continue
			}

			delete(element, "@timestamp")

			ts, err := parseJSONTimestamp(rawTS)
			if err != nil {
				e.counters.Inc("json_doc_timestamp_not_valid")

				continue
			}

			if !e.transformer.tb.Window.Contains(ts) {
				e.counters.Inc("json_doc_timestamp_out_of_range")

				continue
			}

			element["@idx"] = idx

			if err := e.document(timestamp.Format(ts), fmt.Sprintf("%v", rawTS), element); err != nil {
				return err
			}
		}
	}

	return nil
}

// parseJSONTimestamp accepts epoch seconds (any JSON number) or an ISO
// timestamp string.
func parseJSONTimestamp(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case float64:
		seconds := int64(v)
		nanos := int64((v - float64(seconds)) * float64(time.Second))

		return time.Unix(seconds, nanos).UTC().Truncate(time.Microsecond), nil
	case string:
		return timestamp.Parse(v)
	default:
		return time.Time{}, fmt.Errorf("@timestamp has unsupported type %T", raw)
	}
}
