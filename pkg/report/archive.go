package report

import (
	"encoding/json"
	"time"

	"github.com/perfscale/pbench-indexer/pkg/bulk"
	"github.com/perfscale/pbench-indexer/pkg/document"
)

// Archive statuses.
const (
	StatusIndexed = "indexed"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Archive is one indexed tar ball's record in the report database.
type Archive struct {
	ID          uint   `gorm:"primaryKey"`
	RunID       string `gorm:"not null;uniqueIndex"`
	Controller  string `gorm:"index"`
	ArchivePath string

	// Status is indexed, partial or failed. Error carries the failure
	// detail for the latter two.
	Status string `gorm:"index"`
	Error  string

	Successes  int64
	Duplicates int64
	Failures   int64
	Retries    int64

	// Per-counter tallies serialized as JSON.
	CountersJSON string `gorm:"type:text"`

	Begin time.Time
	End   time.Time

	IndexedAt time.Time
}

// NewArchive builds a record from one archive's indexing outcome. A nil
// counters map is recorded as an empty object.
func NewArchive(
	runID, controller, path string,
	outcome bulk.Outcome,
	counters document.Counters,
	indexErr error,
) *Archive {
	a := &Archive{
		RunID:       runID,
		Controller:  controller,
		ArchivePath: path,
		Status:      StatusIndexed,
		Successes:   outcome.Successes,
		Duplicates:  outcome.Duplicates,
		Failures:    outcome.Failures,
		Retries:     outcome.Retries,
		Begin:       outcome.Begin,
		End:         outcome.End,
		IndexedAt:   time.Now().UTC(),
	}

	if counters == nil {
		counters = document.Counters{}
	}

	if encoded, err := json.Marshal(counters); err == nil {
		a.CountersJSON = string(encoded)
	}

	switch {
	case indexErr != nil:
		a.Status = StatusFailed
		a.Error = indexErr.Error()
	case outcome.Failures > 0:
		a.Status = StatusPartial
	}

	return a
}

// Counters decodes the serialized tallies.
func (a *Archive) Counters() (document.Counters, error) {
	counters := document.Counters{}
	if a.CountersJSON == "" {
		return counters, nil
	}

	if err := json.Unmarshal([]byte(a.CountersJSON), &counters); err != nil {
		return nil, err
	}

	return counters, nil
}
