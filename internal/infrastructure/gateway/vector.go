package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SimilarIncident is one ranked result from vector memory. Results may
// be stale; callers treat them as hints, not state.
type SimilarIncident struct {
	IncidentID uuid.UUID              `json:"incident_id"`
	Score      float64                `json:"score"`
	Summary    string                 `json:"summary"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// VectorMemory retrieves incidents similar to a query. The search is
// restartable: repeating a query is always safe.
type VectorMemory interface {
	SearchSimilarIncidents(ctx context.Context, query string, limit int, excludeID *uuid.UUID) ([]SimilarIncident, error)
	IndexIncident(ctx context.Context, incidentID uuid.UUID, summary string, metadata map[string]interface{}) error
}

// memoryVectorStore is a token-overlap index for tests and single-node
// deployments; a real embedding store plugs in behind the same interface.
type memoryVectorStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]vectorEntry
}

type vectorEntry struct {
	summary  string
	tokens   map[string]bool
	metadata map[string]interface{}
}

// NewMemoryVectorStore creates the in-process vector memory.
func NewMemoryVectorStore() VectorMemory {
	return &memoryVectorStore{entries: make(map[uuid.UUID]vectorEntry)}
}

func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tokens[strings.Trim(tok, ".,;:!?\"'()[]")] = true
	}
	delete(tokens, "")
	return tokens
}

func (s *memoryVectorStore) IndexIncident(ctx context.Context, incidentID uuid.UUID, summary string, metadata map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[incidentID] = vectorEntry{
		summary:  summary,
		tokens:   tokenize(summary),
		metadata: metadata,
	}
	s.mu.Unlock()
	return nil
}

// SearchSimilarIncidents ranks indexed incidents by Jaccard overlap with
// the query tokens.
func (s *memoryVectorStore) SearchSimilarIncidents(ctx context.Context, query string, limit int, excludeID *uuid.UUID) ([]SimilarIncident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	queryTokens := tokenize(query)

	s.mu.RLock()
	results := make([]SimilarIncident, 0, len(s.entries))
	for id, entry := range s.entries {
		if excludeID != nil && id == *excludeID {
			continue
		}
		score := jaccard(queryTokens, entry.tokens)
		if score <= 0 {
			continue
		}
		results = append(results, SimilarIncident{
			IncidentID: id,
			Score:      score,
			Summary:    entry.summary,
			Metadata:   entry.metadata,
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].IncidentID.String() < results[j].IncidentID.String()
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
