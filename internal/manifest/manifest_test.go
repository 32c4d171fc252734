package manifest

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferebee/beachcomb/internal/apperr"
	"github.com/ferebee/beachcomb/internal/record"
)

func sampleRecords() []*record.Record {
	return []*record.Record{
		{
			SourcePath: "/in/f1000001.jpg",
			DestPath:   "/out/Images/JPEG/2020/f1000001.jpg",
			Family:     "Images", Subtype: "JPEG", Ext: "jpg",
			SizeBytes: 123456,
			ModTime:   time.Date(2024, 3, 1, 9, 0, 0, 0, time.Local),
			Integrity: record.IntegrityOK,
			Date:      time.Date(2020, 7, 4, 12, 30, 0, 0, time.Local),
			DateSource: record.DateSourceEXIF,
			Sig:        "123456:aa:bb",
			EXIFMake:   "Canon", EXIFModel: "EOS R5",
			PxW: 8192, PxH: 5464,
		},
		{
			SourcePath: "/in/f1000002.pdf",
			Family:     "Documents", Subtype: "PDF", Ext: "pdf",
			SizeBytes:   999,
			Integrity:   "pdfinfo-fail",
			UndatedFlag: true,
			PDFError:    "pdfinfo exited 1",
		},
	}
}

func TestWriteCSVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "manifest.csv")
	recs := sampleRecords()
	if err := WriteCSV(path, recs); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if len(rows[0]) != len(Fields) {
		t.Fatalf("header has %d columns, want %d", len(rows[0]), len(Fields))
	}
	col := make(map[string]int, len(Fields))
	for i, name := range rows[0] {
		col[name] = i
	}
	if got := rows[1][col["exif_make"]]; got != "Canon" {
		t.Errorf("exif_make = %q, want Canon", got)
	}
	if got := rows[1][col["date_local"]]; got != "2020-07-04T12:30:00" {
		t.Errorf("date_local = %q", got)
	}
	if got := rows[2][col["undated_flag"]]; got != "1" {
		t.Errorf("undated_flag = %q, want 1", got)
	}
	if got := rows[2][col["integrity"]]; got != "pdfinfo-fail" {
		t.Errorf("integrity = %q", got)
	}
	if got := rows[2][col["date_local"]]; got != "" {
		t.Errorf("zero date serialized as %q", got)
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	f, err := os.CreateTemp("", "beachcomb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	s, err := OpenStore(f.Name())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSchemaCreation(t *testing.T) {
	s := testStore(t)
	var count int
	if err := s.conn.QueryRow(`SELECT count(*) FROM runs`).Scan(&count); err != nil {
		t.Fatalf("runs table missing: %v", err)
	}
	if err := s.conn.QueryRow(`SELECT count(*) FROM records`).Scan(&count); err != nil {
		t.Fatalf("records table missing: %v", err)
	}
}

func TestSaveRunAndListRuns(t *testing.T) {
	s := testStore(t)
	run := Run{
		ID:         "run-1",
		StartedAt:  time.Now().Add(-time.Minute),
		FinishedAt: time.Now(),
		Source:     "/in", Dest: "/out", Mode: "light",
		Total: 2, Planned: 1, Duplicates: 0, Damaged: 1,
	}
	if err := s.SaveRun(run, sampleRecords()); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].ID != "run-1" || runs[0].Total != 2 || runs[0].Damaged != 1 {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestSaveRunIsIdempotentPerID(t *testing.T) {
	s := testStore(t)
	run := Run{ID: "run-1", StartedAt: time.Now(), Source: "/in", Dest: "/out", Mode: "light", Total: 2}
	if err := s.SaveRun(run, sampleRecords()); err != nil {
		t.Fatalf("first SaveRun: %v", err)
	}
	run.Total = 3
	if err := s.SaveRun(run, sampleRecords()); err != nil {
		t.Fatalf("second SaveRun: %v", err)
	}

	runs, err := s.ListRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs after re-save, want 1", len(runs))
	}
	if runs[0].Total != 3 {
		t.Errorf("total = %d, want updated 3", runs[0].Total)
	}
}

func TestRunRecordsRoundTrip(t *testing.T) {
	s := testStore(t)
	run := Run{ID: "run-1", StartedAt: time.Now(), Source: "/in", Dest: "/out", Mode: "heavy"}
	if err := s.SaveRun(run, sampleRecords()); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	recs, err := s.RunRecords("run-1")
	if err != nil {
		t.Fatalf("RunRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].SourcePath != "/in/f1000001.jpg" {
		t.Errorf("records not in source-path order: %q first", recs[0].SourcePath)
	}
	want := time.Date(2020, 7, 4, 12, 30, 0, 0, time.Local)
	if !recs[0].Date.Equal(want) {
		t.Errorf("date = %v, want %v", recs[0].Date, want)
	}
	if recs[1].Integrity != "pdfinfo-fail" {
		t.Errorf("integrity = %q", recs[1].Integrity)
	}
}

func TestRunRecordsUnknownRun(t *testing.T) {
	s := testStore(t)
	_, err := s.RunRecords("no-such-run")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want apperr.ErrNotFound", err)
	}
}
