// Package oracle provides a table-backed implementation of the oracle
// collaborator. Results are posted per feed by an operator (or a test);
// feeds without a posted result report failure, which the resolution engine
// surfaces without any state change.
package oracle

import (
	"context"
	"fmt"
	"sync"

	"github.com/outcomelab/settled/internal/domain"
)

// result is a posted feed outcome with the number of aggregated responses.
type result struct {
	outcome   int
	responses int
}

// TableSource implements domain.OracleSource from a mutable feed table.
type TableSource struct {
	mu      sync.RWMutex
	results map[string]result
}

// NewTableSource creates an empty TableSource.
func NewTableSource() *TableSource {
	return &TableSource{results: make(map[string]result)}
}

// Post records the outcome for a feed with the given response count,
// replacing any previous result.
func (t *TableSource) Post(feedID string, outcome, responses int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.results[feedID] = result{outcome: outcome, responses: responses}
}

// Clear removes a feed's result, making subsequent fetches fail.
func (t *TableSource) Clear(feedID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.results, feedID)
}

// FetchResult returns the posted outcome for the feed, or an error when no
// result exists or it aggregates fewer responses than required.
func (t *TableSource) FetchResult(ctx context.Context, feedID string, minResponses int) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.results[feedID]
	if !ok {
		return 0, fmt.Errorf("oracle: no result for feed %q", feedID)
	}
	if r.responses < minResponses {
		return 0, fmt.Errorf("oracle: feed %q has %d responses, need %d", feedID, r.responses, minResponses)
	}
	return r.outcome, nil
}

// Compile-time interface check.
var _ domain.OracleSource = (*TableSource)(nil)
