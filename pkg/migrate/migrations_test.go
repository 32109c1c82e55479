package migrate_test

import (
	"io/fs"
	"os"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/angelmondragon/grosir-backend/pkg/migrate"
	"github.com/angelmondragon/grosir-backend/pkg/migrate/migrations"
)

func readMigration(t *testing.T, pattern string) string {
	t.Helper()
	matches, err := fs.Glob(migrations.FS, pattern)
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no migration matching %s", pattern)
	}
	data, err := fs.ReadFile(migrations.FS, matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if err := migrate.Validate(migrations.FS); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBrokenMigrations(t *testing.T) {
	body := "-- +goose Up\nSELECT 1;\n-- +goose Down\nSELECT 1;\n"
	cases := map[string]fstest.MapFS{
		"bad name": {"create_things.sql": {Data: []byte(body)}},
		"duplicate version": {
			"20260301090000_a.sql": {Data: []byte(body)},
			"20260301090000_b.sql": {Data: []byte(body)},
		},
		"missing down":   {"20260301090000_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")}},
		"down before up": {"20260301090000_a.sql": {Data: []byte("-- +goose Down\n-- +goose Up\n")}},
		"empty":          {},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if err := migrate.Validate(fsys); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := migrate.ParseVersion("20260301090100")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v != 20260301090100 {
		t.Fatalf("unexpected version %d", v)
	}
	for _, raw := range []string{"", "2026", "20261301090100", "abcdefghijklmn"} {
		if _, err := migrate.ParseVersion(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	path, err := migrate.CreateSQLMigration(dir, " Add Claim Lease! ", now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasSuffix(path, "20260302100000_add_claim_lease.sql") {
		t.Fatalf("unexpected path %s", path)
	}
	if err := migrate.Validate(os.DirFS(dir)); err != nil {
		t.Fatalf("created migration should validate: %v", err)
	}
	if _, err := migrate.CreateSQLMigration(dir, "add claim lease", now); err == nil {
		t.Fatalf("expected error for existing migration")
	}
	if _, err := migrate.CreateSQLMigration(dir, "!!!", now); err == nil {
		t.Fatalf("expected error for empty sanitized name")
	}
}

func TestSessionMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_group_buying_sessions.sql")
	checks := []string{
		"CREATE TABLE IF NOT EXISTS group_buying_sessions",
		"CHECK (target_moq >= 2)",
		"CHECK (group_price > 0)",
		"CHECK (end_time > start_time)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_participants_session_user_open",
		"WHERE order_id IS NULL",
		"DROP TABLE IF EXISTS session_participants",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestLedgerMigrationIsAppendOnly(t *testing.T) {
	content := readMigration(t, "*_create_escrow_and_ledger.sql")
	checks := []string{
		"CREATE TABLE IF NOT EXISTS transaction_ledger",
		"CHECK (amount > 0)",
		"BEFORE UPDATE OR DELETE ON transaction_ledger",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_escrow_payments_participant",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestInventoryMigrationContainsConstraints(t *testing.T) {
	content := readMigration(t, "*_create_grosir_inventory.sql")
	checks := []string{
		"CHECK (units_per_bundle >= 1)",
		"CHECK (available_qty >= 0)",
		"CHECK (reserved_qty >= 0)",
		"CHECK (round_no >= 1)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_purchase_orders_session_round",
	}
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}
