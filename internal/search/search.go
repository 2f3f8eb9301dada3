// Package search finds annotations by their text, through Meilisearch when it
// is reachable and PostgreSQL full-text search otherwise.
package search

import (
	"context"

	"marginalia/api/internal/annotations"
)

const (
	BackendMeili    = "meilisearch"
	BackendPostgres = "postgres"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	Snippet      string `json:"snippet"`
	SelectedText string `json:"selectedText"`
	Status       string `json:"status"`
	AuthorName   string `json:"authorName"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = all documents
	Status     string // empty = any status
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for an annotation.
type Record struct {
	ID           string `json:"id"`
	DocumentID   string `json:"documentId"`
	Content      string `json:"content"`
	SelectedText string `json:"selectedText"`
	Status       string `json:"status"`
	AuthorID     string `json:"authorId"`
	AuthorName   string `json:"authorName"`
	CreatedAt    int64  `json:"createdAt"`
}

func RecordFrom(a annotations.Annotation) Record {
	return Record{
		ID:           a.ID,
		DocumentID:   a.DocumentID,
		Content:      a.Content,
		SelectedText: a.SelectedText,
		Status:       string(a.Status),
		AuthorID:     a.AuthorID,
		AuthorName:   a.Author.Name,
		CreatedAt:    a.CreatedAt.Unix(),
	}
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	if q.Limit > 100 {
		return 100
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}
