package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; pgfts may be nil when no database is configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

// IndexDocument indexes a document (fire-and-forget to Meilisearch).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// IndexChanges indexes change records (fire-and-forget to Meilisearch).
func (s *Service) IndexChanges(changes []ChangeRecord) {
	if !s.meiliReady() || len(changes) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexChanges(changes); err != nil {
			log.Printf("search: index %d changes of %s: %v", len(changes), changes[0].DocumentID, err)
		}
	}()
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG pushes every document row from PostgreSQL into
// Meilisearch. Called once at startup.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.meiliReady() || s.pgfts == nil {
		return
	}
	documents, err := s.pgfts.LoadDocuments(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexDocuments(documents); err != nil {
		log.Printf("search: reindex documents: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}

// Backend names the engine queries currently go to.
func (s *Service) Backend() string {
	switch {
	case s.meiliReady():
		return "meilisearch"
	case s != nil && s.pgfts != nil:
		return "postgres"
	default:
		return "none"
	}
}
