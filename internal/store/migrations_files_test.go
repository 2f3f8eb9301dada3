package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for _, m := range migrations {
		if m.up == "" || m.down == "" {
			t.Fatalf("version %s must include both up and down files", m.version)
		}
	}
	for i := 1; i < len(migrations); i++ {
		if migrations[i-1].version >= migrations[i].version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].version, migrations[i].version)
		}
	}
}

func TestRepliesCascadeWithAnnotations(t *testing.T) {
	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	var schema strings.Builder
	for _, m := range migrations {
		contents, err := os.ReadFile(m.up)
		if err != nil {
			t.Fatalf("read %s: %v", m.up, err)
		}
		schema.Write(contents)
	}
	text := schema.String()
	if !strings.Contains(text, "REFERENCES annotations(id) ON DELETE CASCADE") {
		t.Error("replies must be removed together with their annotation")
	}
	if !strings.Contains(text, "search_vector") {
		t.Error("annotations need a search vector for full-text search")
	}
}
