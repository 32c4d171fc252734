package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ferebee/beachcomb/internal/record"
)

func testRecords() []*record.Record {
	return []*record.Record{
		{SourcePath: "/in/a.jpg", Family: "Images", Subtype: "JPEG",
			Integrity: record.IntegrityOK, SizeBytes: 1 << 20,
			Date: time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)},
		{SourcePath: "/in/b.jpg", Family: "Images", Subtype: "JPEG",
			Integrity: record.IntegrityOK, SizeBytes: 1 << 20,
			DuplicateOf: "/in/a.jpg"},
		{SourcePath: "/in/c.jpg", Family: "Images", Subtype: "JPEG",
			Integrity: record.IntegrityOK, SizeBytes: 512, UndatedFlag: true},
		{SourcePath: "/in/d.pdf", Family: "Documents", Subtype: "PDF",
			Integrity: "pdfinfo-fail", SizeBytes: 2048},
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize(testRecords(), 1)

	if s.Total != 4 {
		t.Errorf("Total = %d, want 4", s.Total)
	}
	if s.Damaged != 1 || s.Duplicates != 1 || s.Undated != 1 {
		t.Errorf("damaged/dup/undated = %d/%d/%d, want 1/1/1",
			s.Damaged, s.Duplicates, s.Undated)
	}
	if s.ToRecover != 2 {
		t.Errorf("ToRecover = %d, want 2", s.ToRecover)
	}
	if s.Failures != 1 {
		t.Errorf("Failures = %d, want 1", s.Failures)
	}

	if len(s.Cohorts) != 2 {
		t.Fatalf("cohorts = %d, want 2", len(s.Cohorts))
	}
	// Sorted by family: Documents before Images.
	if s.Cohorts[0].Family != "Documents" || s.Cohorts[0].Damaged != 1 {
		t.Errorf("cohort[0] = %+v", s.Cohorts[0])
	}
	if s.Cohorts[1].Total != 3 || s.Cohorts[1].Dated != 1 {
		t.Errorf("cohort[1] = %+v", s.Cohorts[1])
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 << 20, "3.0 MiB"},
		{5 << 30, "5.0 GiB"},
	}
	for _, c := range cases {
		if got := FormatBytes(c.in); got != c.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWriteHTML(t *testing.T) {
	s := Summarize(testRecords(), 0)
	s.RunID = "run-42"
	s.Mode = "light"
	s.Source = "/in"
	s.Dest = "/out"

	var buf bytes.Buffer
	if err := WriteHTML(&buf, s); err != nil {
		t.Fatalf("WriteHTML: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"run-42", "File Type Breakdown", "Documents", "JPEG"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestPrintConsoleAlwaysReportsCounts(t *testing.T) {
	s := Summarize(testRecords(), 2)
	s.RunID = "run-42"
	s.Mode = "heavy"

	var buf bytes.Buffer
	PrintConsole(&buf, s)
	out := buf.String()
	for _, want := range []string{"4 files scanned", "2 to recover", "1 duplicates", "1 damaged", "2 classification failures"} {
		if !strings.Contains(out, want) {
			t.Errorf("console summary missing %q in %q", want, out)
		}
	}
}
