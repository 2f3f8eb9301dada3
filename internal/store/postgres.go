package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpsertUser records the display details carried by an identity token.
func (s *PostgresStore) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, avatar_url=EXCLUDED.avatar_url, updated_at=NOW()
	`, user.ID, user.DisplayName, user.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

const annotationColumns = `
	a.id, a.document_id, a.author_id, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''),
	a.content, a.selected_text, a.start_offset, a.end_offset, a.status, a.created_at, a.updated_at
`

func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string, filter AnnotationFilter) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a
		LEFT JOIN users u ON u.id = a.author_id
		WHERE a.document_id=$1
		  AND ($2='' OR a.status=$2)
		  AND ($3='' OR a.author_id=$3)
		  AND ($4='' OR a.search_vector @@ plainto_tsquery('english', $4)
		       OR a.content ILIKE '%' || $4 || '%'
		       OR a.selected_text ILIKE '%' || $4 || '%'
		       OR u.display_name ILIKE '%' || $4 || '%')
		  AND ($5::timestamptz IS NULL OR a.created_at >= $5)
		  AND ($6::timestamptz IS NULL OR a.created_at <= $6)
		ORDER BY a.start_offset ASC, a.created_at ASC
	`, documentID, filter.Status, filter.AuthorID, filter.Query, nullTime(filter.From), nullTime(filter.To))
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// ListAllAnnotations returns every annotation, used to rebuild the search index.
func (s *PostgresStore) ListAllAnnotations(ctx context.Context) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a
		LEFT JOIN users u ON u.id = a.author_id
		ORDER BY a.document_id ASC, a.start_offset ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, id string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations a
		LEFT JOIN users u ON u.id = a.author_id
		WHERE a.id=$1
	`, id)
	item, err := scanAnnotation(row)
	if err != nil {
		return Annotation{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, item Annotation) error {
	status := item.Status
	if status == "" {
		status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, document_id, author_id, content, selected_text, start_offset, end_offset, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.DocumentID, item.AuthorID, item.Content, item.SelectedText, item.StartOffset, item.EndOffset, status, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateAnnotationStatus(ctx context.Context, id, status string, updatedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE annotations
		SET status=$2, updated_at=$3
		WHERE id=$1
	`, id, status, updatedAt)
	if err != nil {
		return false, fmt.Errorf("update annotation status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update annotation status rows: %w", err)
	}
	return affected > 0, nil
}

// DeleteAnnotation removes an annotation; its replies go with it.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete annotation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete annotation rows: %w", err)
	}
	return affected > 0, nil
}

// ListReplies returns the replies of a document, or of one annotation when
// annotationID is set, oldest first.
func (s *PostgresStore) ListReplies(ctx context.Context, documentID, annotationID string) ([]Reply, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.annotation_id, r.author_id, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), r.content, r.created_at
		FROM annotation_replies r
		JOIN annotations a ON a.id = r.annotation_id
		LEFT JOIN users u ON u.id = r.author_id
		WHERE a.document_id=$1
		  AND ($2='' OR r.annotation_id=$2)
		ORDER BY r.created_at ASC
	`, documentID, annotationID)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()

	items := make([]Reply, 0)
	for rows.Next() {
		var item Reply
		if err := rows.Scan(
			&item.ID,
			&item.AnnotationID,
			&item.AuthorID,
			&item.AuthorName,
			&item.AuthorAvatar,
			&item.Content,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reply: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replies: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetReply(ctx context.Context, id string) (Reply, error) {
	var item Reply
	err := s.db.QueryRowContext(ctx, `
		SELECT r.id, r.annotation_id, r.author_id, COALESCE(u.display_name, ''), COALESCE(u.avatar_url, ''), r.content, r.created_at
		FROM annotation_replies r
		LEFT JOIN users u ON u.id = r.author_id
		WHERE r.id=$1
	`, id).Scan(
		&item.ID,
		&item.AnnotationID,
		&item.AuthorID,
		&item.AuthorName,
		&item.AuthorAvatar,
		&item.Content,
		&item.CreatedAt,
	)
	if err != nil {
		return Reply{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertReply(ctx context.Context, item Reply) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotation_replies (id, annotation_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.AnnotationID, item.AuthorID, item.Content, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reply: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteReply(ctx context.Context, id, annotationID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM annotation_replies WHERE id=$1 AND annotation_id=$2`, id, annotationID)
	if err != nil {
		return false, fmt.Errorf("delete reply: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete reply rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) AnnotationStats(ctx context.Context, documentID string) (AnnotationStats, error) {
	var stats AnnotationStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status='open'),
			COUNT(*) FILTER (WHERE status='resolved')
		FROM annotations
		WHERE document_id=$1
	`, documentID).Scan(&stats.Total, &stats.Open, &stats.Resolved)
	if err != nil {
		return AnnotationStats{}, fmt.Errorf("annotation stats: %w", err)
	}
	return stats, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var item Annotation
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.AuthorID,
		&item.AuthorName,
		&item.AuthorAvatar,
		&item.Content,
		&item.SelectedText,
		&item.StartOffset,
		&item.EndOffset,
		&item.Status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
