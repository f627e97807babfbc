package migrate

import (
	"context"
	"testing"

	"commandcenter/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	first, err := Migrate(ctx, conn, db.SQLite)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if first < 1 {
		t.Fatalf("expected schema version >= 1, got %d", first)
	}
	second, err := Migrate(ctx, conn, db.SQLite)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if second != first {
		t.Fatalf("version changed on rerun: %d -> %d", first, second)
	}

	for _, table := range []string{"pending_drafts", "draft_feedback", "api_keys"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}

func TestLoadMigrationsSorted(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i := 1; i < len(ms); i++ {
		if ms[i-1].Version >= ms[i].Version {
			t.Fatalf("migrations out of order: %s before %s", ms[i-1].Name, ms[i].Name)
		}
	}
}
