// Package search indexes mind-map cards for full-text lookup. A Meilisearch
// backend is preferred; when it is unconfigured or unhealthy the service
// falls back to a database scan.
package search

import "context"

// CardRecord is the indexed view of a card.
type CardRecord struct {
	ID       string `json:"id"`
	DomainID string `json:"domainId"`
	DocID    string `json:"docId"`
	NodeID   string `json:"nodeId"`
	Title    string `json:"title"`
	Content  string `json:"content"`
}

// Query is a card search request scoped to one domain.
type Query struct {
	DomainID string
	Q        string
	Limit    int
	Offset   int
}

// Result is one search hit.
type Result struct {
	ID      string `json:"id"`
	DocID   string `json:"docId"`
	NodeID  string `json:"nodeId"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Fallback is the degraded search path used when Meilisearch is unavailable.
type Fallback interface {
	ScanCards(ctx context.Context, domainID, query string, limit int) ([]Result, error)
}

// Service routes queries to Meilisearch when healthy, otherwise to the
// fallback scanner. Index writes are best-effort.
type Service struct {
	meili    *Meili
	fallback Fallback
}

func NewService(meili *Meili, fallback Fallback) *Service {
	return &Service{meili: meili, fallback: fallback}
}

func (s *Service) Search(ctx context.Context, q Query) ([]Result, error) {
	if s.meili != nil && s.meili.Healthy() {
		results, err := s.meili.Search(q)
		if err == nil {
			return results, nil
		}
	}
	if s.fallback == nil {
		return []Result{}, nil
	}
	return s.fallback.ScanCards(ctx, q.DomainID, q.Q, q.Limit)
}

// IndexCards upserts card records; a nil Meili client makes it a no-op.
func (s *Service) IndexCards(records []CardRecord) {
	if s.meili == nil {
		return
	}
	s.meili.IndexCards(records)
}

// DeleteCards removes records by ID; a nil Meili client makes it a no-op.
func (s *Service) DeleteCards(ids []string) {
	if s.meili == nil {
		return
	}
	s.meili.DeleteCards(ids)
}
