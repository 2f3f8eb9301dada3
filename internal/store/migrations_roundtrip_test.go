package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MARGINALIA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("MARGINALIA_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	reverted, err := RevertMigrations(ctx, db, migrationsDir, len(migrations))
	if err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if len(reverted) != len(migrations) {
		t.Fatalf("expected %d reverted migrations, got %v", len(migrations), reverted)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}

	s := NewPostgresStore(db)
	if err := s.UpsertUser(ctx, User{ID: "usr_1", DisplayName: "Ada"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	now := time.Now().UTC()
	if err := s.InsertAnnotation(ctx, Annotation{
		ID: "ann_1", DocumentID: "doc_1", AuthorID: "usr_1", Content: "Check this",
		SelectedText: "quick", StartOffset: 4, EndOffset: 9, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("insert annotation: %v", err)
	}
	if err := s.InsertReply(ctx, Reply{ID: "rep_1", AnnotationID: "ann_1", AuthorID: "usr_1", Content: "Agreed", CreatedAt: now}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	items, err := s.ListAnnotations(ctx, "doc_1", AnnotationFilter{Query: "check"})
	if err != nil || len(items) != 1 || items[0].AuthorName != "Ada" {
		t.Fatalf("unexpected search result %+v, %v", items, err)
	}
	if ok, err := s.DeleteAnnotation(ctx, "ann_1"); err != nil || !ok {
		t.Fatalf("delete annotation: %v", err)
	}
	replies, err := s.ListReplies(ctx, "doc_1", "")
	if err != nil || len(replies) != 0 {
		t.Fatalf("replies should cascade, got %+v, %v", replies, err)
	}
}
