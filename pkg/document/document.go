// Package document defines the candidate documents produced by the
// transformers, their deterministic content-hash identities, and the bulk
// actions handed to the indexer.
package document

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/perfscale/pbench-indexer/pkg/templates"
)

// Category classifies a candidate document.
type Category int

const (
	CategoryRun Category = iota
	CategoryTOC
	CategoryToolData
	CategoryResultSample
	CategoryResultMetric
)

// IndexCategory maps a document category to its index naming family.
func (c Category) IndexCategory() templates.Category {
	switch c {
	case CategoryRun:
		return templates.CategoryRun
	case CategoryTOC:
		return templates.CategoryTOC
	case CategoryToolData:
		return templates.CategoryToolData
	default:
		return templates.CategoryResultData
	}
}

// DocType returns the document type tag recorded on each action, used by the
// sink to select the mapping family. Tool data embeds the tool name.
func (c Category) DocType(tool string) string {
	switch c {
	case CategoryRun:
		return "pbench-run"
	case CategoryTOC:
		return "pbench-run-toc-entry"
	case CategoryToolData:
		return "pbench-tool-data-" + tool
	case CategoryResultSample:
		return "pbench-result-data-sample"
	default:
		return "pbench-result-data"
	}
}

func (c Category) String() string {
	switch c {
	case CategoryRun:
		return "run"
	case CategoryTOC:
		return "toc"
	case CategoryToolData:
		return "tool-data"
	case CategoryResultSample:
		return "result-data-sample"
	case CategoryResultMetric:
		return "result-data"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Document is one fully formed, not yet indexed unit of data. Fields must
// contain an absolute "@timestamp"; Timestamp carries the same value for
// index name derivation without re-fetching it from the map.
type Document struct {
	Category  Category
	Tool      string
	Timestamp string
	Fields    map[string]any

	// Parent is the identity of the owning document for parent/child
	// categories (result metrics under their sample), empty otherwise.
	Parent string

	// IDOverride bypasses content hashing when set. The run document uses
	// it to carry the archive's own MD5 as its identity.
	IDOverride string
}

// Identity derives the document's deterministic identifier: the MD5 of the
// canonical field serialization, salted with the parent identity so equal
// child content under different parents stays distinct.
func (d *Document) Identity() (string, error) {
	if d.IDOverride != "" {
		return d.IDOverride, nil
	}

	payload, err := canonicalJSON(d.Fields)
	if err != nil {
		return "", fmt.Errorf("serializing document for identity: %w", err)
	}

	h := md5.New()
	h.Write(payload)

	if d.Parent != "" {
		h.Write([]byte(d.Parent))
	}

	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// canonicalJSON serializes a field mapping with sorted keys at every level.
// encoding/json already emits map keys in sorted order, so a plain Marshal
// is canonical for the map-and-slice shapes documents are built from.
func canonicalJSON(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}

// Action is a document bound to its target index, identity and type tag,
// ready for a create-only bulk write.
type Action struct {
	Index   string
	DocType string
	ID      string

	// Parent routes the child document alongside its parent and is echoed
	// in the source under "parent_id".
	Parent string

	Source map[string]any
}

// ActionBuilder turns candidate documents into bulk actions for one run,
// resolving index names through the run-bound namer and stamping parentless
// documents with the indexing invocation's tracking identifier.
type ActionBuilder struct {
	namer      *templates.Namer
	trackingID string
}

// NewActionBuilder creates a builder for one run. trackingID is the run
// document's own identity.
func NewActionBuilder(namer *templates.Namer, trackingID string) *ActionBuilder {
	return &ActionBuilder{
		namer:      namer,
		trackingID: trackingID,
	}
}

// Build resolves the action for a candidate document. The identity is
// computed before the tracking stamp is added, so "@generated-by" never
// perturbs content hashes.
func (b *ActionBuilder) Build(doc *Document) (*Action, error) {
	index, err := b.namer.IndexName(doc.Category.IndexCategory(), doc.Tool, doc.Timestamp)
	if err != nil {
		return nil, err
	}

	id, err := doc.Identity()
	if err != nil {
		return nil, err
	}

	source := make(map[string]any, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		source[k] = v
	}

	if doc.Parent == "" {
		source["@generated-by"] = b.trackingID
	} else {
		source["parent_id"] = doc.Parent
	}

	return &Action{
		Index:   index,
		DocType: doc.Category.DocType(doc.Tool),
		ID:      id,
		Parent:  doc.Parent,
		Source:  source,
	}, nil
}

// Counters accumulates named per-run tallies (documents produced, documents
// skipped, anomalies observed).
type Counters map[string]int64

// Add bumps a counter by n.
func (c Counters) Add(name string, n int64) {
	c[name] += n
}

// Inc bumps a counter by one.
func (c Counters) Inc(name string) {
	c[name]++
}

// Merge folds another counter set into this one.
func (c Counters) Merge(other Counters) {
	for name, n := range other {
		c[name] += n
	}
}

// Names returns the counter names in sorted order, for stable log output.
func (c Counters) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
