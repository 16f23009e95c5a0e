// Package timestamp normalizes the heterogeneous timestamp encodings found
// in pbench result archives (epoch milliseconds, epoch seconds, ISO-8601
// strings with or without fractional seconds, and the underscore-delimited
// ISO variant) into canonical absolute timestamps validated against the
// run's start/end window.
package timestamp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Layout is the canonical timestamp format emitted for every document:
// microsecond resolution, no timezone designator, always UTC.
const Layout = "2006-01-02T15:04:05.000000"

// parseLayouts are the accepted absolute timestamp string encodings. The
// underscore-delimited variant ("2019-01-10_12:12:12") is folded into the
// "T" form before matching, so it is not listed separately.
var parseLayouts = []string{
	"2006-01-02T15:04:05.000000",
	"20060102T15:04:05.000000",
	"2006-01-02T15:04:05",
	"20060102T15:04:05",
}

// BadTimestampError reports a raw timestamp value that could not be
// normalized into the run's time window under any recognized encoding.
type BadTimestampError struct {
	Value  string
	Reason string
}

func (e *BadTimestampError) Error() string {
	return fmt.Sprintf("bad timestamp %q: %s", e.Value, e.Reason)
}

func badTimestamp(value, format string, args ...any) error {
	return &BadTimestampError{
		Value:  value,
		Reason: fmt.Sprintf(format, args...),
	}
}

// Format renders an absolute time in the canonical layout, truncating (not
// rounding) anything below microsecond resolution.
func Format(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(Layout)
}

// Parse interprets an absolute timestamp string in any of the accepted
// encodings, truncating nanosecond-resolution fractions to microseconds.
// The result is always UTC.
func Parse(value string) (time.Time, error) {
	s := strings.Replace(value, "_", "T", 1)

	// Keep at most six fractional digits. Elasticsearch ignores anything
	// finer, and mixed precision breaks round-tripping.
	if dot := strings.LastIndex(s, "."); dot >= 0 {
		frac := s[dot+1:]
		if len(frac) > 6 {
			frac = frac[:6]
		}

		s = s[:dot+1] + frac
	}

	for _, layout := range parseLayouts {
		t, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, badTimestamp(value, "unrecognized encoding")
}

// Window is a run's [start, end] time frame. All document timestamps must
// land inside it.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls within the window, inclusive.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// NormalizeMillis converts a raw milliseconds-since-the-epoch value into a
// canonical absolute timestamp inside the window.
//
// Values that parse as absolute but land before the window's start are
// reinterpreted as offsets relative to the start. This is a legacy
// compatibility rule, not a protocol guarantee: some old tool versions
// recorded relative rather than absolute timestamps, and treating the raw
// value as start-relative is the only recovery available. If the recomputed
// timestamp still misses the window, or the original lands after the end,
// the value is rejected.
func (w Window) NormalizeMillis(millis float64) (time.Time, error) {
	ts := fromEpochMillis(millis)

	switch {
	case ts.Before(w.Start):
		recomputed := w.Start.Add(time.Duration(millis * float64(time.Millisecond)))
		if recomputed.After(w.End) {
			return time.Time{}, badTimestamp(
				strconv.FormatFloat(millis, 'f', -1, 64),
				"%s is before the start of the run (%s)",
				Format(ts), Format(w.Start))
		}

		return recomputed.Truncate(time.Microsecond), nil
	case ts.After(w.End):
		return time.Time{}, badTimestamp(
			strconv.FormatFloat(millis, 'f', -1, 64),
			"%s is after the end of the run (%s)",
			Format(ts), Format(w.End))
	default:
		return ts, nil
	}
}

// NormalizeMillisString is NormalizeMillis for values still in their raw
// string form, e.g. the timestamp_ms column of a tool CSV file.
func (w Window) NormalizeMillisString(value string) (time.Time, error) {
	millis, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return time.Time{}, badTimestamp(value,
			"not a float in milliseconds since the epoch")
	}

	return w.NormalizeMillis(millis)
}

// NormalizeSeconds converts a raw seconds-since-the-epoch value, applying
// the same relative-offset fallback as NormalizeMillis.
func (w Window) NormalizeSeconds(seconds float64) (time.Time, error) {
	return w.NormalizeMillis(seconds * 1000)
}

// fromEpochMillis builds a UTC time from fractional epoch milliseconds,
// truncated to microsecond resolution.
func fromEpochMillis(millis float64) time.Time {
	micros := int64(millis * 1000)

	return time.UnixMicro(micros).UTC()
}
