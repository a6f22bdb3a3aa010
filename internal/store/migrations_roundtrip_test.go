package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var coreTables = []string{"users", "projects", "tasks", "context_cards", "attachments", "pending_uploads", "oauth_states"}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("NEXUS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("NEXUS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, Pool{MaxOpenConns: 2})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	migrations, err := LoadMigrations(migrationsDir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	applied, err := ApplyMigrations(ctx, db, migrationsDir, zap.New(core))
	if err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if len(applied) != len(migrations) {
		t.Fatalf("expected %d applied migrations, got %v", len(migrations), applied)
	}
	if got := logs.FilterMessage("migration applied").Len(); got != len(migrations) {
		t.Fatalf("expected one log line per migration, got %d", got)
	}
	assertTables(t, ctx, db, true)

	again, err := ApplyMigrations(ctx, db, migrationsDir, nil)
	if err != nil {
		t.Fatalf("re-apply migrations: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no migrations on second run, got %v", again)
	}

	if err := applyDownMigrations(ctx, db, migrations); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	assertTables(t, ctx, db, false)

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if _, err := ApplyMigrations(ctx, db, migrationsDir, nil); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
	assertTables(t, ctx, db, true)
}

func assertTables(t *testing.T, ctx context.Context, db *sql.DB, want bool) {
	t.Helper()
	for _, table := range coreTables {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT to_regclass('public.' || $1) IS NOT NULL`, table).Scan(&exists); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if exists != want {
			t.Fatalf("table %s exists = %v, want %v", table, exists, want)
		}
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrations []Migration) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		sqlBytes, err := os.ReadFile(migrations[i].Down)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
