package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfscale/pbench-indexer/pkg/templates"
)

func testNamer(t *testing.T) *templates.Namer {
	t.Helper()

	b, err := templates.Default("pbench")
	require.NoError(t, err)

	return templates.NewNamer(b, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC))
}

func TestIdentityDeterminism(t *testing.T) {
	doc := func() *Document {
		return &Document{
			Category:  CategoryToolData,
			Tool:      "iostat",
			Timestamp: "2024-03-15T10:00:00.000000",
			Fields: map[string]any{
				"@timestamp": "2024-03-15T10:00:00.000000",
				"iostat":     map[string]any{"sda": map[string]any{"iops": 12.5}},
			},
		}
	}

	a, err := doc().Identity()
	require.NoError(t, err)

	b, err := doc().Identity()
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestIdentityParentSalt(t *testing.T) {
	fields := map[string]any{"@timestamp": "2024-03-15T10:00:00.000000", "v": 1}

	orphan := &Document{Category: CategoryResultMetric, Fields: fields}
	childA := &Document{Category: CategoryResultMetric, Fields: fields, Parent: "aaaa"}
	childB := &Document{Category: CategoryResultMetric, Fields: fields, Parent: "bbbb"}

	idOrphan, err := orphan.Identity()
	require.NoError(t, err)

	idA, err := childA.Identity()
	require.NoError(t, err)

	idB, err := childB.Identity()
	require.NoError(t, err)

	assert.NotEqual(t, idOrphan, idA)
	assert.NotEqual(t, idA, idB)
}

func TestIdentityOverride(t *testing.T) {
	doc := &Document{
		Category:   CategoryRun,
		Fields:     map[string]any{"@timestamp": "2024-03-15T10:00:00.000000"},
		IDOverride: "d41d8cd98f00b204e9800998ecf8427e",
	}

	id, err := doc.Identity()
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", id)
}

func TestBuildParentlessGetsTrackingStamp(t *testing.T) {
	b := NewActionBuilder(testNamer(t), "run-md5")

	doc := &Document{
		Category:   CategoryRun,
		Timestamp:  "2024-03-15T10:00:00.000000",
		Fields:     map[string]any{"@timestamp": "2024-03-15T10:00:00.000000"},
		IDOverride: "run-md5",
	}

	action, err := b.Build(doc)
	require.NoError(t, err)

	assert.Equal(t, "pbench.v6.run.2024-03", action.Index)
	assert.Equal(t, "pbench-run", action.DocType)
	assert.Equal(t, "run-md5", action.ID)
	assert.Equal(t, "run-md5", action.Source["@generated-by"])
	assert.Empty(t, action.Parent)

	// The stamp is added after hashing, not into the document itself.
	assert.NotContains(t, doc.Fields, "@generated-by")
}

func TestBuildChildCarriesParentNotStamp(t *testing.T) {
	b := NewActionBuilder(testNamer(t), "run-md5")

	doc := &Document{
		Category:  CategoryResultMetric,
		Timestamp: "2024-03-15T10:00:00.000000",
		Fields:    map[string]any{"@timestamp": "2024-03-15T10:00:00.000000"},
		Parent:    "sample-id",
	}

	action, err := b.Build(doc)
	require.NoError(t, err)

	assert.Equal(t, "pbench.v5.result-data.2024-03-15", action.Index)
	assert.Equal(t, "pbench-result-data", action.DocType)
	assert.Equal(t, "sample-id", action.Parent)
	assert.Equal(t, "sample-id", action.Source["parent_id"])
	assert.NotContains(t, action.Source, "@generated-by")
}

func TestBuildPropagatesBadDate(t *testing.T) {
	b := NewActionBuilder(testNamer(t), "run-md5")

	doc := &Document{
		Category:  CategoryToolData,
		Tool:      "iostat",
		Timestamp: "2024-03-14T10:00:00.000000",
		Fields:    map[string]any{"@timestamp": "2024-03-14T10:00:00.000000"},
	}

	_, err := b.Build(doc)
	require.Error(t, err)

	var bad *templates.BadDateError
	assert.ErrorAs(t, err, &bad)
}

func TestCounters(t *testing.T) {
	c := Counters{}
	c.Inc("ok")
	c.Add("ok", 2)
	c.Inc("skipped")

	other := Counters{"ok": 1, "dropped": 4}
	c.Merge(other)

	assert.Equal(t, int64(4), c["ok"])
	assert.Equal(t, int64(1), c["skipped"])
	assert.Equal(t, int64(4), c["dropped"])
	assert.Equal(t, []string{"dropped", "ok", "skipped"}, c.Names())
}
