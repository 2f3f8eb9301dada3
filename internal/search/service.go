package search

import (
	"context"
	"log"

	"marginalia/api/internal/annotations"
)

// Index is a search backend that can also be written to.
type Index interface {
	Searcher
	IndexRecords(records []Record) error
	DeleteRecord(id string) error
}

// Service is the facade that tries the index first and falls back to PG FTS.
// It also keeps the index in step with annotation writes.
type Service struct {
	index Index
	pgfts *PgFTS
}

// NewService creates a search service. index may be nil if Meilisearch is not configured.
func NewService(index Index, pgfts *PgFTS) *Service {
	return &Service{index: index, pgfts: pgfts}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendMeili}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text, Backend: BackendPostgres}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text, Backend: BackendPostgres}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: BackendPostgres}
}

// IndexAnnotation pushes an annotation to the index without waiting.
func (s *Service) IndexAnnotation(item annotations.Annotation) {
	if !s.indexReady() {
		return
	}
	record := RecordFrom(item)
	go func() {
		if err := s.index.IndexRecords([]Record{record}); err != nil {
			log.Printf("search: index annotation %s: %v", record.ID, err)
		}
	}()
}

// RemoveAnnotation drops an annotation from the index without waiting.
func (s *Service) RemoveAnnotation(id string) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.DeleteRecord(id); err != nil {
			log.Printf("search: delete annotation %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads every annotation from PostgreSQL and pushes it to the index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexReady() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.IndexRecords(records); err != nil {
		log.Printf("search: reindex annotations: %v", err)
		return
	}
	log.Printf("search: reindexed %d annotations", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
