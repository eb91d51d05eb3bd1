package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"20261017_090000_session_events.up.sql": {
			Data: []byte("CREATE TABLE session_events (id TEXT PRIMARY KEY, kind TEXT NOT NULL);"),
		},
		"20261017_090000_session_events.down.sql": {
			Data: []byte("DROP TABLE session_events;"),
		},
		"20261018_090000_session_events_index.up.sql": {
			Data: []byte("CREATE INDEX idx_session_events_kind ON session_events(kind);"),
		},
		"README.md": {Data: []byte("not a migration")},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "session_events") {
		t.Fatal("session_events not created")
	}

	// Idempotent.
	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	applied, pending, err := db.MigrationStatus(ctx, fsys)
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("status = %d applied, %d pending; want 2, 0", len(applied), len(pending))
	}
}

func TestMigrateFailureStops(t *testing.T) {
	db := openTestDB(t)
	fsys := testMigrations()
	fsys["20261016_090000_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE (")}

	if err := db.Migrate(context.Background(), fsys); err == nil {
		t.Fatal("Migrate() with broken SQL succeeded")
	}
	if tableExists(t, db, "session_events") {
		t.Error("later migration applied after a failure")
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()
	delete(fsys, "20261018_090000_session_events_index.up.sql")

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "session_events") {
		t.Error("session_events still present after rollback")
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx, fsys); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrateDownWithoutDownSQL(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	fsys := testMigrations()

	if err := db.Migrate(ctx, fsys); err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateDown(ctx, fsys); err == nil {
		t.Error("MigrateDown() succeeded for a migration without down SQL")
	}
}

func TestMigrateNilFS(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(context.Background(), nil); err != nil {
		t.Errorf("Migrate(nil) error = %v", err)
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20261017_090000_session_events.up.sql", migrationFile{"20261017_090000", "session_events", true}, true},
		{"20261017_090000_session_events.down.sql", migrationFile{"20261017_090000", "session_events", false}, true},
		{"20261017_090000_session_events.sql", migrationFile{}, false},
		{"20261017_090000_session_events.up.txt", migrationFile{}, false},
		{"schema.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("parseMigrationFilename(%q) = %+v, %v; want %+v, %v",
					tt.filename, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
