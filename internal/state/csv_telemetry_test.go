package state

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
)

func TestCSVStoreWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	s := NewCSVTelemetryStore(CSVTelemetryConfig{Path: path})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	rec := NewTelemetryRecord("req-000000000001")
	rec.UserID = "u1"
	rec.ReqType = "chat"
	rec.PromptTokens = 10
	rec.CompletionTokens = 5
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[0][0] != "req_id" || rows[0][len(rows[0])-1] != "error_message" {
		t.Fatalf("unexpected header: %v", rows[0])
	}
	got := rows[1]
	if got[0] != "req-000000000001" || got[1] != "u1" {
		t.Fatalf("unexpected row: %v", got)
	}
	if got[4] != DefaultDeployment {
		t.Fatalf("deployment sentinel missing: %q", got[4])
	}
	if got[10] != "10" || got[11] != "5" || got[12] != "-1" {
		t.Fatalf("token columns wrong: %v", got[10:13])
	}
	if got[13] != NoError {
		t.Fatalf("error sentinel missing: %q", got[13])
	}
}

func TestCSVStoreAppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s := NewCSVTelemetryStore(CSVTelemetryConfig{Path: path})
		if err := s.Connect(ctx); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := s.Insert(ctx, NewTelemetryRecord("r")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 1 header + 2 rows, got %d", len(rows))
	}
}

func TestCSVStoreRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")
	s := NewCSVTelemetryStore(CSVTelemetryConfig{Path: path, MaxRowsPerSegment: 2})
	ctx := context.Background()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Insert(ctx, NewTelemetryRecord("r")); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active file + 1 rotated segment, got %d files", len(entries))
	}
}

func TestCSVStoreRotationSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")
	ctx := context.Background()

	s := NewCSVTelemetryStore(CSVTelemetryConfig{Path: path, MaxRowsPerSegment: 3})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Insert(ctx, NewTelemetryRecord("r")); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// a restart appends to the same segment and must still rotate at the cap
	s = NewCSVTelemetryStore(CSVTelemetryConfig{Path: path, MaxRowsPerSegment: 3})
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := s.Insert(ctx, NewTelemetryRecord("r")); err != nil {
		t.Fatalf("Insert after reopen: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active file + 1 rotated segment, got %d files", len(entries))
	}
	var segment string
	for _, e := range entries {
		if e.Name() != "telemetry.csv" {
			segment = filepath.Join(dir, e.Name())
		}
	}
	f, err := os.Open(segment)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rotated segment holds %d lines, want header + 3 rows", len(rows))
	}
}

func TestTelemetryRecordSentinels(t *testing.T) {
	rec := NewTelemetryRecord("r1")
	n := rec.Normalized()
	if n.UserID != NoUserID || n.ErrorMessage != NoError || n.DeploymentName != DefaultDeployment {
		t.Fatalf("sentinels not applied: %+v", n)
	}
	if n.RequestReceivedAt != -1 || n.PromptTokens != -1 {
		t.Fatalf("numeric defaults wrong: %+v", n)
	}
	if len(rec.Row()) != len(TelemetryColumns) {
		t.Fatalf("row width %d != column count %d", len(rec.Row()), len(TelemetryColumns))
	}
}
