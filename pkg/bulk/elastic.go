package bulk

import (
	"context"
	"fmt"

	"github.com/olivere/elastic/v7"

	"github.com/perfscale/pbench-indexer/pkg/document"
)

// ElasticSink submits batches through the Elasticsearch bulk API.
type ElasticSink struct {
	client *elastic.Client
}

// NewElasticSink connects to the given cluster URLs. Sniffing is disabled:
// the indexer talks to the configured addresses only, which also keeps it
// working against single-node and proxied clusters.
func NewElasticSink(urls []string) (*ElasticSink, error) {
	client, err := elastic.NewClient(
		elastic.SetURL(urls...),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to elasticsearch: %w", err)
	}

	return &ElasticSink{client: client}, nil
}

func (s *ElasticSink) Create(ctx context.Context, actions []*document.Action) ([]Result, error) {
	svc := s.client.Bulk()

	for _, action := range actions {
		req := elastic.NewBulkCreateRequest().
			Index(action.Index).
			Id(action.ID).
			Doc(action.Source)

		// Children are routed by their parent identity so both land on
		// the same shard.
		if action.Parent != "" {
			req = req.Routing(action.Parent)
		}

		svc = svc.Add(req)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}

	results := make([]Result, len(actions))
	for i := range actions {
		if i >= len(resp.Items) {
			results[i] = Result{Status: 999}

			continue
		}

		item, ok := resp.Items[i]["create"]
		if !ok {
			// Some engine errors come back tagged with the index
			// operation even for create requests.
			if item, ok = resp.Items[i]["index"]; !ok {
				results[i] = Result{Status: 999}

				continue
			}
		}

		result := Result{Status: item.Status}
		if item.Error != nil {
			result.ErrorType = item.Error.Type
			result.Reason = item.Error.Reason
		}

		results[i] = result
	}

	return results, nil
}
