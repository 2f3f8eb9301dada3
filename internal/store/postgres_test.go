package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var annotationRowColumns = []string{
	"id", "document_id", "author_id", "display_name", "avatar_url",
	"content", "selected_text", "start_offset", "end_offset", "status", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return NewPostgresStore(db), mock
}

func verify(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListAnnotationsAppliesFilter(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	from := created.Add(-time.Hour)

	rows := sqlmock.NewRows(annotationRowColumns).
		AddRow("ann_1", "doc_1", "usr_1", "Ada", "", "Check", "quick", 4, 9, "open", created, created).
		AddRow("ann_2", "doc_1", "usr_2", "Grace", "", "Typo", "fox", 16, 19, "open", created, created)
	mock.ExpectQuery(regexp.QuoteMeta("FROM annotations a")).
		WithArgs("doc_1", "open", "", "typo", from, nil).
		WillReturnRows(rows)

	items, err := s.ListAnnotations(context.Background(), "doc_1", AnnotationFilter{Status: "open", Query: "typo", From: &from})
	if err != nil {
		t.Fatalf("ListAnnotations failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].AuthorName != "Ada" || items[0].StartOffset != 4 || items[0].EndOffset != 9 {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if !items[1].CreatedAt.Equal(created) {
		t.Errorf("unexpected created at %v", items[1].CreatedAt)
	}
	verify(t, mock)
}

func TestGetAnnotationNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.id=$1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(annotationRowColumns))

	_, err := s.GetAnnotation(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
	verify(t, mock)
}

func TestUpdateStatusReportsMissingRow(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE annotations")).
		WithArgs("ann_1", "resolved", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE annotations")).
		WithArgs("ann_9", "resolved", at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.UpdateAnnotationStatus(context.Background(), "ann_1", "resolved", at)
	if err != nil || !ok {
		t.Errorf("expected update, got %v, %v", ok, err)
	}
	ok, err = s.UpdateAnnotationStatus(context.Background(), "ann_9", "resolved", at)
	if err != nil || ok {
		t.Errorf("expected no update, got %v, %v", ok, err)
	}
	verify(t, mock)
}

func TestInsertAnnotationDefaultsStatus(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO annotations")).
		WithArgs("ann_1", "doc_1", "usr_1", "Check", "quick", 4, 9, "open", now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertAnnotation(context.Background(), Annotation{
		ID: "ann_1", DocumentID: "doc_1", AuthorID: "usr_1", Content: "Check",
		SelectedText: "quick", StartOffset: 4, EndOffset: 9, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertAnnotation failed: %v", err)
	}
	verify(t, mock)
}

func TestDeleteReplyScopedToAnnotation(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM annotation_replies WHERE id=$1 AND annotation_id=$2")).
		WithArgs("rep_1", "ann_2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.DeleteReply(context.Background(), "rep_1", "ann_2")
	if err != nil || ok {
		t.Errorf("reply of another annotation must not be deleted: %v, %v", ok, err)
	}
	verify(t, mock)
}

func TestListRepliesAndStats(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM annotation_replies r")).
		WithArgs("doc_1", "").
		WillReturnRows(sqlmock.NewRows([]string{"id", "annotation_id", "author_id", "display_name", "avatar_url", "content", "created_at"}).
			AddRow("rep_1", "ann_1", "usr_2", "Grace", "", "Agreed", created))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER")).
		WithArgs("doc_1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "open", "resolved"}).AddRow(3, 2, 1))

	replies, err := s.ListReplies(context.Background(), "doc_1", "")
	if err != nil || len(replies) != 1 || replies[0].AuthorName != "Grace" {
		t.Fatalf("unexpected replies %+v, %v", replies, err)
	}
	stats, err := s.AnnotationStats(context.Background(), "doc_1")
	if err != nil {
		t.Fatalf("AnnotationStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Open != 2 || stats.Resolved != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	verify(t, mock)
}

func TestApplyAndRevertMigrations(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0001_init.up.sql", "CREATE TABLE a (id TEXT)")
	write("0001_init.down.sql", "DROP TABLE a")
	write("0002_more.up.sql", "CREATE TABLE b (id TEXT)")
	write("0002_more.down.sql", "DROP TABLE b")
	write("README.md", "ignored")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("0001_init.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("0002_more.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id TEXT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations")).WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := ApplyMigrations(ctx, db, dir); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("0002_more.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE b")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM schema_migrations")).WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reverted, err := RevertMigrations(ctx, db, dir, 1)
	if err != nil {
		t.Fatalf("RevertMigrations failed: %v", err)
	}
	if len(reverted) != 1 || reverted[0] != "0002_more.up.sql" {
		t.Errorf("unexpected reverted versions %v", reverted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyMigrationsRollsBackOnFailure(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "0001_bad.up.sql"), []byte("CREATE TABLE"), 0o644); err != nil {
		t.Fatalf("write migration: %v", err)
	}
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("open sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs("0001_bad.up.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE")).WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err = ApplyMigrations(context.Background(), db, dir)
	if err == nil || !regexp.MustCompile(`execute migration 0001_bad\.up\.sql`).MatchString(err.Error()) {
		t.Errorf("expected execute error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
