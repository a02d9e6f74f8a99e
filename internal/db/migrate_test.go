package db

import "testing"

func TestMigrateFreshDatabase(t *testing.T) {
	database, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer database.Close()

	version, err := database.SchemaVersion()
	if err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	want := migrations[len(migrations)-1].version
	if version != want {
		t.Errorf("expected schema version %d, got %d", want, version)
	}

	for _, table := range []string{"records", "outbox", "dead_letter", "tokens", "conflicts"} {
		var n int
		err := database.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("expected table %s to exist (err=%v)", table, err)
		}
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	v1, _ := first.SchemaVersion()
	first.Close()

	second, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen must not re-run migrations: %v", err)
	}
	defer second.Close()

	v2, _ := second.SchemaVersion()
	if v1 != v2 {
		t.Errorf("schema version changed across reopen: %d vs %d", v1, v2)
	}

	var n int
	if err := second.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != len(migrations) {
		t.Errorf("expected %d migration rows, got %d", len(migrations), n)
	}
}
