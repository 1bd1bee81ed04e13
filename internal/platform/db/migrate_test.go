package db

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"
)

// fakeApplier records applied migrations in memory.
type fakeApplier struct {
	applied map[int]time.Time
	ran     []string
	failOn  int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: make(map[int]time.Time)}
}

func (f *fakeApplier) EnsureTable(context.Context) error { return nil }

func (f *fakeApplier) Applied(context.Context) (map[int]time.Time, error) {
	out := make(map[int]time.Time, len(f.applied))
	for k, v := range f.applied {
		out[k] = v
	}
	return out, nil
}

func (f *fakeApplier) Apply(_ context.Context, mig Migration) error {
	if mig.Version == f.failOn {
		return errors.New("syntax error")
	}
	f.applied[mig.Version] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.ran = append(f.ran, mig.Name)
	return nil
}

func sqlFile(s string) *fstest.MapFile { return &fstest.MapFile{Data: []byte(s)} }

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_journal.sql":     sqlFile("CREATE TABLE conversions (id TEXT);"),
		"002_idempotency.sql": sqlFile("CREATE TABLE idempotency (key TEXT);"),
		"010_indexes.sql":     sqlFile("SELECT 10;"),
		"readme.sql":          sqlFile("-- no version prefix"),
		"notes.txt":           sqlFile("not a sql file"),
		"abc_invalid.sql":     sqlFile("-- non-numeric prefix"),
		"sub/003_ignored.sql": sqlFile("SELECT 3;"),
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	expected := []int{1, 2, 10}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_journal.sql" {
		t.Errorf("expected name 001_journal.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE conversions (id TEXT);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestMigrator_UpIsIncremental(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": sqlFile("SELECT 1;"),
		"002_b.sql": sqlFile("SELECT 2;"),
		"003_c.sql": sqlFile("SELECT 3;"),
	}
	ap := newFakeApplier()
	m := NewMigrator(ap, fsys)
	ctx := context.Background()

	n, err := m.UpTo(ctx, 2)
	if err != nil {
		t.Fatalf("UpTo() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 applied, got %d", n)
	}

	n, err = m.Up(ctx)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 applied on second run, got %d", n)
	}
	if len(ap.ran) != 3 || ap.ran[2] != "003_c.sql" {
		t.Errorf("unexpected apply order: %v", ap.ran)
	}

	n, err = m.Up(ctx)
	if err != nil || n != 0 {
		t.Errorf("expected nothing left to apply, got %d, %v", n, err)
	}
}

func TestMigrator_StopsOnFailure(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": sqlFile("SELECT 1;"),
		"002_b.sql": sqlFile("SELECT 2;"),
		"003_c.sql": sqlFile("SELECT 3;"),
	}
	ap := newFakeApplier()
	ap.failOn = 2

	n, err := NewMigrator(ap, fsys).Up(context.Background())
	if err == nil {
		t.Fatal("expected error from failing migration")
	}
	if n != 1 {
		t.Errorf("expected 1 applied before failure, got %d", n)
	}
	if _, ok := ap.applied[3]; ok {
		t.Error("migration after a failure must not run")
	}
}

func TestMigrationStatus(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": sqlFile("SELECT 1;"),
		"002_b.sql": sqlFile("SELECT 2;"),
	}
	ap := newFakeApplier()
	if _, err := NewMigrator(ap, fsys).UpTo(context.Background(), 1); err != nil {
		t.Fatalf("UpTo() error: %v", err)
	}

	statuses, err := NewMigrator(ap, fsys).Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil {
		t.Error("expected migration 001 to be applied with a timestamp")
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Error("expected migration 002 to be pending")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}
