package templates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIndexNames(t *testing.T) {
	b, err := Default("pbench")
	require.NoError(t, err)

	tests := []struct {
		name string
		cat  Category
		tool string
		ts   string
		want string
	}{
		{name: "run is monthly", cat: CategoryRun, ts: "2024-03-15T10:00:00.000000", want: "pbench.v6.run.2024-03"},
		{name: "toc shares the run family", cat: CategoryTOC, ts: "2024-03-15T10:00:00.000000", want: "pbench.v6.run.2024-03"},
		{name: "result data is daily", cat: CategoryResultData, ts: "2024-03-15T10:00:00.000000", want: "pbench.v5.result-data.2024-03-15"},
		{name: "tool data embeds the tool", cat: CategoryToolData, tool: "iostat", ts: "2024-03-15T10:00:00.000000", want: "pbench.v3.tool-data-iostat.2024-03-15"},
		{name: "server reports monthly", cat: CategoryServerReports, ts: "2024-03-15T10:00:00.000000", want: "pbench.v4.server-reports.2024-03"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := b.IndexName(tc.cat, tc.tool, tc.ts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestIndexNameBadDate(t *testing.T) {
	b, err := Default("pbench")
	require.NoError(t, err)

	for _, ts := range []string{"not a timestamp", "2024-03-15", "24-3-15T10:00:00"} {
		_, err := b.IndexName(CategoryRun, "", ts)
		require.Error(t, err)

		var bad *BadDateError
		assert.ErrorAs(t, err, &bad, "value %q", ts)
	}
}

func TestToolDataRequiresTool(t *testing.T) {
	b, err := Default("pbench")
	require.NoError(t, err)

	_, err = b.IndexName(CategoryToolData, "", "2024-03-15T10:00:00.000000")
	require.Error(t, err)
}

func TestPrefixValidation(t *testing.T) {
	_, err := Default("")
	require.Error(t, err)

	_, err = Default("pbench.prod")
	require.Error(t, err)
}

func TestPattern(t *testing.T) {
	b, err := Default("pbench")
	require.NoError(t, err)

	pat, err := b.Pattern(CategoryRun, "")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v6.run.*", pat)

	pat, err = b.Pattern(CategoryToolData, "mpstat")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v3.tool-data-mpstat.*", pat)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  result-data:
    name: result-data
    version: 9
tool_versions:
  iostat: 7
`), 0o644))

	b, err := Load("pbench", path)
	require.NoError(t, err)

	// Overridden category keeps its default bucket.
	name, err := b.IndexName(CategoryResultData, "", "2024-03-15T10:00:00.000000")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v9.result-data.2024-03-15", name)

	// Per-tool version override applies only to the named tool.
	name, err = b.IndexName(CategoryToolData, "iostat", "2024-03-15T10:00:00.000000")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v7.tool-data-iostat.2024-03-15", name)

	name, err = b.IndexName(CategoryToolData, "vmstat", "2024-03-15T10:00:00.000000")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v3.tool-data-vmstat.2024-03-15", name)

	// Untouched categories keep their defaults.
	name, err = b.IndexName(CategoryRun, "", "2024-03-15T10:00:00.000000")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v6.run.2024-03", name)
}

func TestLoadRejectsUnknownCategory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
categories:
  bogus:
    name: bogus
    version: 1
`), 0o644))

	_, err := Load("pbench", path)
	require.Error(t, err)
}

func TestNamerRejectsPreRunDates(t *testing.T) {
	b, err := Default("pbench")
	require.NoError(t, err)

	start := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	n := NewNamer(b, start)

	// Same day is fine.
	name, err := n.IndexName(CategoryToolData, "iostat", "2024-03-15T09:00:00.000000")
	require.NoError(t, err)
	assert.Equal(t, "pbench.v3.tool-data-iostat.2024-03-15", name)

	// The day before the run start is not.
	_, err = n.IndexName(CategoryToolData, "iostat", "2024-03-14T23:59:59.000000")
	require.Error(t, err)

	var bad *BadDateError
	assert.ErrorAs(t, err, &bad)
}
