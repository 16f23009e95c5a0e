// Package templates holds the versioned index naming bundle: one naming
// template and one schema version integer per document category, loaded
// once at startup and consulted for every document's target index name.
package templates

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Category identifies one of the index naming families.
type Category string

const (
	CategoryRun           Category = "run-data"
	CategoryTOC           Category = "toc-data"
	CategoryResultData    Category = "result-data"
	CategoryToolData      Category = "tool-data"
	CategoryServerReports Category = "server-reports"
)

// DateBucket is the date granularity of a category's indices.
type DateBucket string

const (
	BucketMonthly DateBucket = "month"
	BucketDaily   DateBucket = "day"
)

// BadDateError reports a timestamp that cannot be decomposed into an index
// date bucket, or that predates the run it belongs to.
type BadDateError struct {
	Timestamp string
	Reason    string
}

func (e *BadDateError) Error() string {
	return fmt.Sprintf("bad date %q: %s", e.Timestamp, e.Reason)
}

// CategoryPattern describes one category's index naming rule.
type CategoryPattern struct {
	// Name is the category component of the index name. For tool data it
	// contains a "{tool}" placeholder.
	Name string `yaml:"name"`

	// Version is the schema/mapping version embedded verbatim in every
	// index name for this category.
	Version int `yaml:"version"`

	// Bucket selects daily or monthly index rotation.
	Bucket DateBucket `yaml:"bucket"`
}

// bundleFile is the on-disk YAML shape of the naming bundle.
type bundleFile struct {
	Categories   map[Category]CategoryPattern `yaml:"categories"`
	ToolVersions map[string]int               `yaml:"tool_versions"`
}

// Bundle is the loaded naming bundle bound to an index prefix.
type Bundle struct {
	prefix       string
	categories   map[Category]CategoryPattern
	toolVersions map[string]int
}

// defaultCategories mirrors the naming scheme the pbench server has always
// used: daily indices for high-volume metric data, monthly for everything
// else, with the table of contents sharing the run index family.
var defaultCategories = map[Category]CategoryPattern{
	CategoryRun:           {Name: "run", Version: 6, Bucket: BucketMonthly},
	CategoryTOC:           {Name: "run", Version: 6, Bucket: BucketMonthly},
	CategoryResultData:    {Name: "result-data", Version: 5, Bucket: BucketDaily},
	CategoryToolData:      {Name: "tool-data-{tool}", Version: 3, Bucket: BucketDaily},
	CategoryServerReports: {Name: "server-reports", Version: 4, Bucket: BucketMonthly},
}

// Default returns the built-in naming bundle for the given index prefix.
func Default(prefix string) (*Bundle, error) {
	return newBundle(prefix, defaultCategories, nil)
}

// Load reads a naming bundle from a YAML file. Categories absent from the
// file keep their built-in defaults.
func Load(prefix, path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading index template bundle: %w", err)
	}

	var bf bundleFile
	if err := yaml.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("parsing index template bundle: %w", err)
	}

	categories := make(map[Category]CategoryPattern, len(defaultCategories))
	for cat, pat := range defaultCategories {
		categories[cat] = pat
	}

	for cat, pat := range bf.Categories {
		if _, known := defaultCategories[cat]; !known {
			return nil, fmt.Errorf("index template bundle: unknown category %q", cat)
		}

		if pat.Bucket == "" {
			pat.Bucket = defaultCategories[cat].Bucket
		}

		categories[cat] = pat
	}

	return newBundle(prefix, categories, bf.ToolVersions)
}

func newBundle(
	prefix string,
	categories map[Category]CategoryPattern,
	toolVersions map[string]int,
) (*Bundle, error) {
	if prefix == "" {
		return nil, fmt.Errorf("index prefix must not be empty")
	}

	if strings.Contains(prefix, ".") {
		return nil, fmt.Errorf(
			"index prefix %q must not contain a period", prefix)
	}

	return &Bundle{
		prefix:       prefix,
		categories:   categories,
		toolVersions: toolVersions,
	}, nil
}

// Prefix returns the index prefix the bundle is bound to.
func (b *Bundle) Prefix() string {
	return b.prefix
}

// Version returns the schema version for a category, honoring any per-tool
// override for tool data.
func (b *Bundle) Version(cat Category, tool string) (int, error) {
	pat, ok := b.categories[cat]
	if !ok {
		return 0, fmt.Errorf("unknown index category %q", cat)
	}

	if cat == CategoryToolData && tool != "" {
		if v, ok := b.toolVersions[tool]; ok {
			return v, nil
		}
	}

	return pat.Version, nil
}

// Pattern returns the wildcard index pattern for a category, e.g.
// "pbench.v6.run.*". For tool data a tool name is required.
func (b *Bundle) Pattern(cat Category, tool string) (string, error) {
	name, version, err := b.resolve(cat, tool)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s.v%d.%s.*", b.prefix, version, name), nil
}

// IndexName derives the target index for a document from its category and
// canonical timestamp: "<prefix>.v<version>.<name>.<date-bucket>".
func (b *Bundle) IndexName(cat Category, tool, timestamp string) (string, error) {
	name, version, err := b.resolve(cat, tool)
	if err != nil {
		return "", err
	}

	year, month, day, err := splitDate(timestamp)
	if err != nil {
		return "", err
	}

	pat := b.categories[cat]
	if pat.Bucket == BucketDaily {
		return fmt.Sprintf("%s.v%d.%s.%s-%s-%s",
			b.prefix, version, name, year, month, day), nil
	}

	return fmt.Sprintf("%s.v%d.%s.%s-%s",
		b.prefix, version, name, year, month), nil
}

func (b *Bundle) resolve(cat Category, tool string) (string, int, error) {
	pat, ok := b.categories[cat]
	if !ok {
		return "", 0, fmt.Errorf("unknown index category %q", cat)
	}

	name := pat.Name
	if cat == CategoryToolData {
		if tool == "" {
			return "", 0, fmt.Errorf("tool data index name requires a tool name")
		}

		name = strings.Replace(name, "{tool}", tool, 1)
	}

	version, err := b.Version(cat, tool)
	if err != nil {
		return "", 0, err
	}

	return name, version, nil
}

// splitDate decomposes a canonical timestamp into zero-padded year, month
// and day components.
func splitDate(timestamp string) (year, month, day string, err error) {
	datePart, _, found := strings.Cut(timestamp, "T")
	if !found {
		return "", "", "", &BadDateError{
			Timestamp: timestamp,
			Reason:    "missing date component",
		}
	}

	parts := strings.SplitN(datePart, "-", 3)
	if len(parts) != 3 || len(parts[0]) != 4 || len(parts[1]) != 2 || len(parts[2]) != 2 {
		return "", "", "", &BadDateError{
			Timestamp: timestamp,
			Reason:    "date component is not YYYY-MM-DD",
		}
	}

	return parts[0], parts[1], parts[2], nil
}

// Namer binds a bundle to one run's start date and refuses to name an index
// for any document dated earlier than the run itself. A tool timestamp that
// predates its own run is corrupt, and letting it through would scatter
// documents into index buckets the run never touched.
type Namer struct {
	bundle   *Bundle
	runYear  string
	runMonth string
	runDay   string
}

// NewNamer creates a Namer for a run that started at the given time.
func NewNamer(bundle *Bundle, runStart time.Time) *Namer {
	return &Namer{
		bundle:   bundle,
		runYear:  fmt.Sprintf("%04d", runStart.Year()),
		runMonth: fmt.Sprintf("%02d", int(runStart.Month())),
		runDay:   fmt.Sprintf("%02d", runStart.Day()),
	}
}

// IndexName derives the target index for a document, failing with
// BadDateError when the document is dated before the run start date.
func (n *Namer) IndexName(cat Category, tool, timestamp string) (string, error) {
	year, month, day, err := splitDate(timestamp)
	if err != nil {
		return "", err
	}

	doc := year + month + day
	run := n.runYear + n.runMonth + n.runDay

	if doc < run {
		return "", &BadDateError{
			Timestamp: timestamp,
			Reason: fmt.Sprintf("dated earlier than the run start (%s-%s-%s)",
				n.runYear, n.runMonth, n.runDay),
		}
	}

	return n.bundle.IndexName(cat, tool, timestamp)
}
