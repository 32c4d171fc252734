package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/testutil"
)

func writeInput(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	return testutil.WriteFile(t, dir, name, content, mtime)
}

func testConfig(source, dest string) Config {
	return Config{
		Source:        source,
		Dest:          dest,
		UndatedCutoff: time.Now().Add(24 * time.Hour),
		Mode:          "light",
		Workers:       4,
		MaxPerBin:     100,
		Rename:        "none",
	}
}

func TestRunPlansAndWritesManifest(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2019, 6, 1, 12, 0, 0, 0, time.Local)
	writeInput(t, source, "notes.txt", "hello planner, long enough", old)
	writeInput(t, source, "sub/more.txt", "another file body here", old)

	cfg := testConfig(source, dest)
	cfg.ManifestPath = filepath.Join(dest, "manifest.csv")
	p := New(cfg, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Total != 2 || summary.ToRecover != 2 {
		t.Errorf("summary = %+v", summary)
	}

	recs := p.Records()
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Records are sorted by source path after classification.
	if recs[0].SourcePath > recs[1].SourcePath {
		t.Error("records not in source-path order")
	}
	for _, r := range recs {
		if r.Family != "Text" || r.Subtype != "TXT" {
			t.Errorf("%s classified as %s/%s", r.SourcePath, r.Family, r.Subtype)
		}
		if r.DestPath == "" {
			t.Errorf("%s has no destination", r.SourcePath)
		}
		if !strings.Contains(r.DestPath, filepath.Join("Text", "TXT", "2019")) {
			t.Errorf("dest %q not under Text/TXT/2019", r.DestPath)
		}
		if r.UndatedFlag {
			t.Errorf("%s flagged undated despite old mtime", r.SourcePath)
		}
	}

	if _, err := os.Stat(cfg.ManifestPath); err != nil {
		t.Errorf("manifest not written: %v", err)
	}
}

func TestRunMarksDuplicates(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2020, 2, 2, 0, 0, 0, 0, time.Local)
	writeInput(t, source, "a.txt", "identical content here", old)
	writeInput(t, source, "b.txt", "identical content here", old)

	p := New(testConfig(source, dest), nil)
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", summary.Duplicates)
	}

	recs := p.Records()
	if recs[0].DuplicateOf != "" {
		t.Errorf("keeper marked duplicate")
	}
	if recs[1].DuplicateOf != recs[0].SourcePath {
		t.Errorf("DuplicateOf = %q, want %q", recs[1].DuplicateOf, recs[0].SourcePath)
	}
}

func TestRunSuspiciousMtimeIsUndated(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	// Mtime after cutoff and no embedded metadata: ends up undated.
	writeInput(t, source, "fresh.txt", "carved only yesterday", time.Time{})

	cfg := testConfig(source, dest)
	cfg.UndatedCutoff = time.Now().Add(-24 * time.Hour)
	p := New(cfg, nil)
	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Undated != 1 {
		t.Errorf("undated = %d, want 1", summary.Undated)
	}
	r := p.Records()[0]
	if !r.UndatedFlag {
		t.Error("UndatedFlag not set")
	}
	if !strings.Contains(r.DestPath, "undated-0001") {
		t.Errorf("dest %q not in an undated bucket", r.DestPath)
	}
}

func TestClassifyAllFailsOpen(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)
	good := writeInput(t, source, "good.txt", "fine file content", old)
	// A file that vanished between discovery and classification.
	gone := filepath.Join(source, "gone.txt")

	p := New(testConfig(source, dest), nil)
	p.classifyAll(context.Background(), []string{good, gone})

	if len(p.Records()) != 2 {
		t.Fatalf("got %d records, want 2 (fail-open record included)", len(p.Records()))
	}
	if len(p.Failures()) != 1 || p.Failures()[0].Path != gone {
		t.Errorf("failures = %+v", p.Failures())
	}

	var fallback *record.Record
	for _, r := range p.Records() {
		if r.SourcePath == gone {
			fallback = r
		}
	}
	if fallback == nil {
		t.Fatal("no fallback record emitted")
	}
	if fallback.Integrity != record.IntegrityUnknown {
		t.Errorf("fallback integrity = %q", fallback.Integrity)
	}
	if fallback.Family != "Other" || fallback.Subtype != "Unknown" {
		t.Errorf("fallback cohort = %s/%s", fallback.Family, fallback.Subtype)
	}
}

func TestRunCommitCopiesFiles(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2018, 3, 3, 0, 0, 0, 0, time.Local)
	writeInput(t, source, "keep.txt", "content to be copied", old)
	writeInput(t, source, "dupe.txt", "content to be copied", old)
	writeInput(t, source, "tiny.txt", "x", old) // fails bad-header check

	cfg := testConfig(source, dest)
	cfg.Commit = true
	p := New(cfg, nil)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var copied, damaged int
	filepath.Walk(dest, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.Contains(path, string(filepath.Separator)+"damaged"+string(filepath.Separator)) {
			damaged++
		} else {
			copied++
		}
		return nil
	})
	if copied != 1 {
		t.Errorf("copied = %d, want 1 (duplicate skipped)", copied)
	}
	if damaged != 1 {
		t.Errorf("damaged = %d, want 1", damaged)
	}

	// Source files stay put without --move.
	if _, err := os.Stat(filepath.Join(source, "keep.txt")); err != nil {
		t.Errorf("source removed on copy commit: %v", err)
	}
}

func TestRunMoveCommitRemovesSources(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2018, 3, 3, 0, 0, 0, 0, time.Local)
	keep := writeInput(t, source, "keep.txt", "movable content here", old)

	cfg := testConfig(source, dest)
	cfg.Commit = true
	cfg.Move = true
	p := New(cfg, nil)
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(keep); !os.IsNotExist(err) {
		t.Errorf("source still present after move commit")
	}
	r := p.Records()[0]
	if _, err := os.Stat(r.DestPath); err != nil {
		t.Errorf("dest missing after move: %v", err)
	}
}

func TestRunPersistsToStore(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2022, 8, 8, 0, 0, 0, 0, time.Local)
	writeInput(t, source, "kept.txt", "content worth keeping", old)

	store := testutil.TestStore(t)
	p := New(testConfig(source, dest), nil, WithStore(store))
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := store.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Total != 1 || runs[0].Mode != "light" {
		t.Errorf("run = %+v", runs[0])
	}

	recs, err := store.RunRecords(runs[0].ID)
	if err != nil {
		t.Fatalf("RunRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].Family != "Text" {
		t.Errorf("persisted records = %+v", recs)
	}
}

func TestRunDeterministicAcrossRuns(t *testing.T) {
	source := t.TempDir()
	old := time.Date(2021, 5, 5, 0, 0, 0, 0, time.Local)
	for i := 0; i < 20; i++ {
		writeInput(t, source, fmt.Sprintf("f%02d.txt", i), fmt.Sprintf("file body %02d", i), old)
	}

	collect := func() []string {
		dest := t.TempDir()
		p := New(testConfig(source, dest), nil)
		if _, err := p.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		var rel []string
		for _, r := range p.Records() {
			rp, err := filepath.Rel(dest, r.DestPath)
			if err != nil {
				t.Fatal(err)
			}
			rel = append(rel, r.SourcePath+" -> "+rp)
		}
		return rel
	}

	first := collect()
	second := collect()
	if len(first) != len(second) {
		t.Fatalf("record counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("plan differs at %d:\n  %s\n  %s", i, first[i], second[i])
		}
	}
}

func TestDiscoverFollowPicksUpLateFiles(t *testing.T) {
	source := t.TempDir()
	dest := t.TempDir()
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.Local)
	writeInput(t, source, "early.txt", "present before the run", old)

	cfg := testConfig(source, dest)
	cfg.FollowSettle = 400 * time.Millisecond
	p := New(cfg, nil)

	go func() {
		time.Sleep(150 * time.Millisecond)
		writeInput(t, source, "late.txt", "dropped by the carver", old)
	}()

	files, err := p.discover(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}
}
