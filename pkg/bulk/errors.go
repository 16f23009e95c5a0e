package bulk

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/perfscale/pbench-indexer/pkg/document"
	"github.com/perfscale/pbench-indexer/pkg/timestamp"
)

// ErrorSink records permanently failed actions with their full context for
// post-hoc audit.
type ErrorSink interface {
	Record(action *document.Action, result Result, retries int) error
}

// FailedAction is the audit record written for one permanent failure.
type FailedAction struct {
	Timestamp  string         `json:"@timestamp"`
	Index      string         `json:"index"`
	DocType    string         `json:"doc_type"`
	ID         string         `json:"id"`
	Parent     string         `json:"parent,omitempty"`
	Status     int            `json:"status"`
	ErrorType  string         `json:"error,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	RetryCount int            `json:"retry_count"`
	Source     map[string]any `json:"source"`
}

// JSONLErrorSink writes one JSON object per line to the given writer. It is
// safe for concurrent use so one file can serve several indexers.
type JSONLErrorSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLErrorSink creates an error sink writing to w.
func NewJSONLErrorSink(w io.Writer) *JSONLErrorSink {
	return &JSONLErrorSink{enc: json.NewEncoder(w)}
}

func (s *JSONLErrorSink) Record(action *document.Action, result Result, retries int) error {
	record := FailedAction{
		Timestamp:  timestamp.Format(time.Now()),
		Index:      action.Index,
		DocType:    action.DocType,
		ID:         action.ID,
		Parent:     action.Parent,
		Status:     result.Status,
		ErrorType:  result.ErrorType,
		Reason:     result.Reason,
		RetryCount: retries,
		Source:     action.Source,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(record); err != nil {
		return fmt.Errorf("recording failed action %s: %w", action.ID, err)
	}

	return nil
}
