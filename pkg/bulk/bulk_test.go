package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfscale/pbench-indexer/pkg/document"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// fakeSink replays scripted results keyed by action ID, one script entry per
// submission of that action.
type fakeSink struct {
	scripts  map[string][]Result
	requests [][]string
	failures int
}

func (s *fakeSink) Create(_ context.Context, actions []*document.Action) ([]Result, error) {
	if s.failures > 0 {
		s.failures--

		return nil, errors.New("connection refused")
	}

	ids := make([]string, len(actions))
	results := make([]Result, len(actions))
	for i, action := range actions {
		ids[i] = action.ID

		script := s.scripts[action.ID]
		if len(script) == 0 {
			results[i] = Result{Status: 201}

			continue
		}

		results[i] = script[0]
		s.scripts[action.ID] = script[1:]
	}

	s.requests = append(s.requests, ids)

	return results, nil
}

func action(id string) *document.Action {
	return &document.Action{
		Index:   "drb.v5.result-data.2024-03-15",
		DocType: "pbench-result-data",
		ID:      id,
		Source:  map[string]any{"@timestamp": "2024-03-15T00:00:01.000000"},
	}
}

func newTestIndexer(sink Sink, errs ErrorSink) *Indexer {
	return New(testLogger(), sink, errs, Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func TestFlushAllSuccesses(t *testing.T) {
	sink := &fakeSink{scripts: map[string][]Result{}}
	ix := newTestIndexer(sink, nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, ix.Add(ctx, action(fmt.Sprintf("doc%d", i))))
	}

	require.NoError(t, ix.Flush(ctx))

	out := ix.Outcome()
	assert.Equal(t, int64(3), out.Successes)
	assert.Zero(t, out.Duplicates)
	assert.Zero(t, out.Failures)
	assert.Zero(t, out.Retries)
	assert.False(t, out.Begin.After(out.End))

	require.Len(t, sink.requests, 1)
	assert.Len(t, sink.requests[0], 3)
}

func TestRetryConvergence(t *testing.T) {
	// doc1 fails twice with a transient error, then succeeds.
	sink := &fakeSink{scripts: map[string][]Result{
		"doc1": {
			{Status: 503, ErrorType: "unavailable"},
			{Status: 503, ErrorType: "unavailable"},
			{Status: 201},
		},
	}}
	ix := newTestIndexer(sink, nil)

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, action("doc0")))
	require.NoError(t, ix.Add(ctx, action("doc1")))
	require.NoError(t, ix.Flush(ctx))

	out := ix.Outcome()
	assert.Equal(t, int64(2), out.Successes)
	assert.Zero(t, out.Failures)
	assert.GreaterOrEqual(t, out.Retries, int64(2))

	// Only the failing action is resubmitted.
	require.Len(t, sink.requests, 3)
	assert.Equal(t, []string{"doc1"}, sink.requests[1])
	assert.Equal(t, []string{"doc1"}, sink.requests[2])
}

func TestDuplicateOnFirstTry(t *testing.T) {
	sink := &fakeSink{scripts: map[string][]Result{
		"doc0": {{Status: 409, ErrorType: "version_conflict_engine_exception"}},
	}}
	ix := newTestIndexer(sink, nil)

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, action("doc0")))
	require.NoError(t, ix.Flush(ctx))

	out := ix.Outcome()
	assert.Equal(t, int64(1), out.Duplicates)
	assert.Zero(t, out.Successes)
}

func TestDuplicateOnRetryIsSuccess(t *testing.T) {
	// The first attempt times out at the transport; the retry conflicts,
	// proving the original write landed.
	sink := &fakeSink{
		failures: 1,
		scripts: map[string][]Result{
			"doc0": {{Status: 409, ErrorType: "version_conflict_engine_exception"}},
		},
	}
	ix := newTestIndexer(sink, nil)

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, action("doc0")))
	require.NoError(t, ix.Flush(ctx))

	out := ix.Outcome()
	assert.Equal(t, int64(1), out.Successes)
	assert.Zero(t, out.Duplicates)
	assert.GreaterOrEqual(t, out.Retries, int64(1))
}

func TestPermanentFailureRecorded(t *testing.T) {
	sink := &fakeSink{scripts: map[string][]Result{
		"doc0": {{
			Status:    400,
			ErrorType: "mapper_parsing_exception",
			Reason:    "failed to parse field",
		}},
		"doc1": {{Status: 403, ErrorType: "index_closed_exception"}},
	}}

	var buf bytes.Buffer
	ix := newTestIndexer(sink, NewJSONLErrorSink(&buf))

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, action("doc0")))
	require.NoError(t, ix.Add(ctx, action("doc1")))
	require.NoError(t, ix.Flush(ctx))

	out := ix.Outcome()
	assert.Equal(t, int64(2), out.Failures)
	assert.Zero(t, out.Successes)
	assert.Zero(t, out.Retries)

	// One JSON record per failed action.
	dec := json.NewDecoder(&buf)

	var first FailedAction
	require.NoError(t, dec.Decode(&first))
	assert.Equal(t, "doc0", first.ID)
	assert.Equal(t, 400, first.Status)
	assert.Equal(t, "mapper_parsing_exception", first.ErrorType)
	assert.NotEmpty(t, first.Source)

	var second FailedAction
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "doc1", second.ID)
	assert.Equal(t, 403, second.Status)
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	sink := &fakeSink{scripts: map[string][]Result{}}
	ix := New(testLogger(), sink, nil, Options{
		BatchSize:      2,
		InitialBackoff: time.Millisecond,
	})

	ctx := context.Background()
	require.NoError(t, ix.Add(ctx, action("doc0")))
	assert.Empty(t, sink.requests)

	require.NoError(t, ix.Add(ctx, action("doc1")))
	require.Len(t, sink.requests, 1)

	require.NoError(t, ix.Add(ctx, action("doc2")))
	require.NoError(t, ix.Flush(ctx))
	require.Len(t, sink.requests, 2)

	assert.Equal(t, int64(3), ix.Outcome().Successes)
}

func TestFlushContextCancellation(t *testing.T) {
	sink := &fakeSink{
		failures: 1000,
		scripts:  map[string][]Result{},
	}
	ix := newTestIndexer(sink, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, ix.Add(ctx, action("doc0")))

	err := ix.Flush(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(Result{Status: 400}))
	assert.True(t, isPermanent(Result{Status: 404}))
	assert.True(t, isPermanent(Result{Status: 403, ErrorType: "index_closed_exception"}))
	assert.False(t, isPermanent(Result{Status: 409}))
	assert.False(t, isPermanent(Result{Status: 503}))
	assert.False(t, isPermanent(Result{Status: 0}))
}
