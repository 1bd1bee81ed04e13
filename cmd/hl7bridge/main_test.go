package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7bridge/internal/config"
	"github.com/ehr/hl7bridge/internal/conversion/batch"
	"github.com/ehr/hl7bridge/internal/platform/db"
)

const adtMessage = "MSH|^~\\&|SEND|FAC|RECV|FAC|20240315083000||ADT^A01^ADT_A01|MSG001|P|2.5.1\r" +
	"PID|1||12345^^^HOSP^MR||Doe^John||19800101|M"

// run executes cmd with args and returns what it wrote to stdout.
func run(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENV", "test")
	var stdout, stderr bytes.Buffer
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestConvertCmd_InboundThenOutbound(t *testing.T) {
	t.Setenv("JOURNAL_DRIVER", "memory")

	bundle, err := run(t, convertCmd(), adtMessage, "--direction", "inbound")
	if err != nil {
		t.Fatalf("convert inbound: %v", err)
	}
	if !strings.Contains(bundle, `"resourceType":"Bundle"`) {
		t.Fatalf("expected a Bundle, got %s", bundle)
	}

	dir := t.TempDir()
	in := filepath.Join(dir, "bundle.json")
	out := filepath.Join(dir, "message.hl7")
	if err := os.WriteFile(in, []byte(bundle), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := run(t, convertCmd(), "", "--direction", "outbound", "--in", in, "--out", out, "--message-type", "ADT^A04"); err != nil {
		t.Fatalf("convert outbound: %v", err)
	}
	msg, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), "ADT^A04") || !strings.Contains(string(msg), "PID|") {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestConvertCmd_Errors(t *testing.T) {
	t.Setenv("JOURNAL_DRIVER", "memory")

	if _, err := run(t, convertCmd(), adtMessage, "--direction", "sideways"); err == nil {
		t.Error("expected an error for an unknown direction")
	}
	if _, err := run(t, convertCmd(), "PID|1||123"); err == nil {
		t.Error("expected an error for a message without MSH")
	}
	if _, err := run(t, convertCmd(), "", "--in", filepath.Join(t.TempDir(), "missing.hl7")); err == nil {
		t.Error("expected an error for a missing input file")
	}
}

func TestBatchCmd(t *testing.T) {
	t.Setenv("JOURNAL_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "journal.db"))

	dir := t.TempDir()
	good := filepath.Join(dir, "good.hl7")
	bad := filepath.Join(dir, "bad.hl7")
	os.WriteFile(good, []byte(adtMessage), 0o644)
	os.WriteFile(bad, []byte("not hl7"), 0o644)

	out, err := run(t, batchCmd(), "", "--direction", "inbound", good, bad)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	var res batch.BatchResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("output is not a batch result: %v: %s", err, out)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 || res.Errors[0].Index != 1 {
		t.Errorf("unexpected result %+v", res)
	}

	if _, err := run(t, batchCmd(), "", "--direction", "inbound"); err == nil {
		t.Error("expected an error without files")
	}
}

func TestMigrateCmd(t *testing.T) {
	t.Setenv("JOURNAL_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "journal.db"))

	out, err := run(t, migrateCmd(), "", "status")
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if strings.Count(out, "pending") != 3 {
		t.Errorf("expected 3 pending migrations, got:\n%s", out)
	}

	out, err = run(t, migrateCmd(), "", "up")
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if !strings.Contains(out, "Applied 3 migration(s)") {
		t.Errorf("unexpected output %q", out)
	}

	out, _ = run(t, migrateCmd(), "", "status")
	if strings.Count(out, "applied") != 3 {
		t.Errorf("expected 3 applied migrations, got:\n%s", out)
	}

	out, err = run(t, migrateCmd(), "", "status", "--json")
	if err != nil {
		t.Fatalf("migrate status --json: %v", err)
	}
	var statuses []db.MigrationStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("status output is not JSON: %v: %s", err, out)
	}
	if len(statuses) != 3 || statuses[2].Name != "003_request_hash.sql" || statuses[2].AppliedAt == nil {
		t.Errorf("unexpected statuses %+v", statuses)
	}

	t.Setenv("JOURNAL_DRIVER", "memory")
	if _, err := run(t, migrateCmd(), "", "up"); err == nil {
		t.Error("expected an error for the memory journal")
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 3, 15, 8, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "journal", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "idempotency"},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines", len(lines))
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-03-15 08:30:00") {
		t.Errorf("unexpected row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected row %q", lines[3])
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "WARN"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected log output %q", buf.String())
	}

	if got := newLogger(&config.Config{LogLevel: "verbose"}, &buf).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("unknown level should fall back to info, got %s", got)
	}
}

func TestNewEngines_ResolverCaps(t *testing.T) {
	if _, _, err := newEngines(&config.Config{ResolverCaps: "OBX=5"}, zerolog.Nop()); err != nil {
		t.Errorf("valid caps: %v", err)
	}
	if _, _, err := newEngines(&config.Config{ResolverCaps: "OBX=many"}, zerolog.Nop()); err == nil {
		t.Error("expected an error for invalid caps")
	}
}
