package storage

import (
	"testing"

	"personago/internal/config"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := sqliteConfig(t)
	db, err := Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer db.Close()
	if err := Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("Migrate error: %v", err)
	}
	// migrations are idempotent
	if err := Migrate(db, "sqlite"); err != nil {
		t.Fatalf("second Migrate error: %v", err)
	}

	insert := `INSERT INTO messages (id, platform, author, content, wen_posted) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`
	if _, err := db.Exec(insert, "1", "twitter", "sia", "hello"); err != nil {
		t.Fatalf("insert error: %v", err)
	}
	_, err = db.Exec(insert, "1", "twitter", "sia", "again")
	if !IsUniqueViolation(err) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"oracle": {}}}
	if _, err := Open("oracle", cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open("mysql", cfg); err == nil {
		t.Fatalf("expected error for missing config")
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM messages WHERE id = ? AND platform = ?"
	if got := Rebind("sqlite3", q); got != q {
		t.Fatalf("sqlite query should be unchanged: %s", got)
	}
	want := "SELECT * FROM messages WHERE id = $1 AND platform = $2"
	if got := Rebind("postgres", q); got != want {
		t.Fatalf("Rebind = %s, want %s", got, want)
	}
}
