package server

import (
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ferebee/beachcomb/internal/apperr"
	"github.com/ferebee/beachcomb/internal/manifest"
	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/report"
)

type fakeLog struct {
	runs []manifest.Run
	recs []*record.Record
}

func (f *fakeLog) SaveRun(run manifest.Run, recs []*record.Record) error { return nil }
func (f *fakeLog) ListRuns(limit int) ([]manifest.Run, error)           { return f.runs, nil }
func (f *fakeLog) Close() error                                         { return nil }

func (f *fakeLog) RunRecords(runID string) ([]*record.Record, error) {
	for _, r := range f.runs {
		if r.ID == runID {
			return f.recs, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func testSummary() report.Summary {
	return report.Summarize([]*record.Record{
		{SourcePath: "/in/a.jpg", Family: "Images", Subtype: "JPEG", Integrity: record.IntegrityOK},
	}, 0)
}

func TestHealthEndpoints(t *testing.T) {
	h := NewHandler(nil)
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("ready before summary = %d, want 503", resp.StatusCode)
	}

	h.SetSummary(testSummary())
	resp, err = http.Get(srv.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready after summary = %d, want 200", resp.StatusCode)
	}
}

func TestGetSummary(t *testing.T) {
	h := NewHandler(nil)
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/summary")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("summary before run = %d, want 503", resp.StatusCode)
	}

	h.SetSummary(testSummary())
	resp, err = http.Get(srv.URL + "/api/summary")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary = %d, want 200", resp.StatusCode)
	}
	var s report.Summary
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Total != 1 || s.ToRecover != 1 {
		t.Errorf("summary = %+v", s)
	}
}

func TestGetReportRendersHTML(t *testing.T) {
	h := NewHandler(nil)
	h.SetSummary(testSummary())
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/report")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
}

func TestGetManifestStreamsCSV(t *testing.T) {
	h := NewHandler(nil)
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/manifest.csv")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("manifest before run = %d, want 503", resp.StatusCode)
	}

	h.SetRecords([]*record.Record{
		{SourcePath: "/in/a.jpg", Family: "Images", Subtype: "JPEG", Integrity: record.IntegrityOK},
	})
	h.SetSummary(testSummary())

	resp, err = http.Get(srv.URL + "/manifest.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content type = %q", ct)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want header + 1", len(rows))
	}
	if len(rows[0]) != len(manifest.Fields) {
		t.Errorf("header has %d columns, want %d", len(rows[0]), len(manifest.Fields))
	}
	if rows[1][0] != "/in/a.jpg" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestListRuns(t *testing.T) {
	h := NewHandler(&fakeLog{runs: []manifest.Run{{ID: "run-1", Mode: "light"}}})
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var runs []manifest.Run
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestGetRunRecords(t *testing.T) {
	h := NewHandler(&fakeLog{
		runs: []manifest.Run{{ID: "run-1", Mode: "light"}},
		recs: []*record.Record{{SourcePath: "/in/a.jpg", Family: "Images", Subtype: "JPEG"}},
	})
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs/run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("records = %d, want 200", resp.StatusCode)
	}
	var recs []*record.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].SourcePath != "/in/a.jpg" {
		t.Errorf("recs = %+v", recs)
	}

	resp, err = http.Get(srv.URL + "/api/runs/no-such-run")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown run = %d, want 404", resp.StatusCode)
	}
}

func TestListRunsWithoutStore(t *testing.T) {
	h := NewHandler(nil)
	srv := httptest.NewServer(NewRouter(h, nil, false, ""))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("runs without store = %d, want 404", resp.StatusCode)
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := NewHandler(nil)
	h.SetSummary(testSummary())
	srv := httptest.NewServer(NewRouter(h, nil, true, "secret"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/summary")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/summary", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	resp, err = http.Get(srv.URL + "/health/live")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("live with auth on = %d, want 200", resp.StatusCode)
	}
}
