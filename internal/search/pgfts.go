package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. Without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsWhere = `a.search_vector @@ plainto_tsquery('english', $1)
	AND ($2 = '' OR a.document_id = $2)
	AND ($3 = '' OR a.status = $3)`

// Search ranks annotations with ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	args := []any{q.Text, q.DocumentID, q.Status}

	var total int
	countSQL := "SELECT count(*) FROM annotations a WHERE " + pgftsWhere
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT a.id, a.document_id,
			ts_headline('english', a.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			a.selected_text, a.status, COALESCE(u.display_name, '')
		FROM annotations a
		LEFT JOIN users u ON u.id = a.author_id
		WHERE %s
		ORDER BY ts_rank(a.search_vector, plainto_tsquery('english', $1)) DESC, a.created_at ASC
		LIMIT %d OFFSET %d`, pgftsWhere, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Snippet, &r.SelectedText, &r.Status, &r.AuthorName); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every annotation as an index record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.document_id, a.content, a.selected_text, a.status, a.author_id,
			COALESCE(u.display_name, ''), a.created_at
		FROM annotations a
		LEFT JOIN users u ON u.id = a.author_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		var created sql.NullTime
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Content, &r.SelectedText, &r.Status, &r.AuthorID, &r.AuthorName, &created); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if created.Valid {
			r.CreatedAt = created.Time.Unix()
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}
