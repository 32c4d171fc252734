// Package report aggregates run outcomes into an operator summary, an HTML
// review page, and the colored console wrap-up.
package report

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"

	"github.com/ferebee/beachcomb/internal/record"
)

// CohortStats is the per-(family, subtype) breakdown row.
type CohortStats struct {
	Family     string `json:"family"`
	Subtype    string `json:"subtype"`
	Total      int    `json:"total"`
	Dated      int    `json:"dated"`
	Undated    int    `json:"undated"`
	Damaged    int    `json:"damaged"`
	Duplicates int    `json:"duplicates"`
	Bytes      int64  `json:"bytes"`
}

// Summary is the aggregate outcome of one run. It is always produced, even
// when many individual files failed.
type Summary struct {
	RunID      string        `json:"run_id"`
	Source     string        `json:"source"`
	Dest       string        `json:"dest"`
	Mode       string        `json:"mode"`
	StartedAt  time.Time     `json:"started_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Total      int           `json:"total"`
	ToRecover  int           `json:"to_recover"`
	Damaged    int           `json:"damaged"`
	Duplicates int           `json:"duplicates"`
	Undated    int           `json:"undated"`
	Failures   int           `json:"failures"`
	TotalBytes int64         `json:"total_bytes"`
	Cohorts    []CohortStats `json:"cohorts"`
}

// Summarize computes the run summary from the final record set. failures is
// the count of files whose classification failed outright (fail-open
// fallback records included in recs still count here).
func Summarize(recs []*record.Record, failures int) Summary {
	type key struct{ family, subtype string }
	stats := make(map[key]*CohortStats)

	s := Summary{Total: len(recs), Failures: failures}
	for _, r := range recs {
		k := key{r.Family, r.Subtype}
		cs := stats[k]
		if cs == nil {
			cs = &CohortStats{Family: r.Family, Subtype: r.Subtype}
			stats[k] = cs
		}
		cs.Total++
		cs.Bytes += r.SizeBytes
		s.TotalBytes += r.SizeBytes

		switch {
		case !r.OK():
			cs.Damaged++
			s.Damaged++
		case r.DuplicateOf != "":
			cs.Duplicates++
			s.Duplicates++
		default:
			if r.HasDate() {
				cs.Dated++
			} else {
				cs.Undated++
				s.Undated++
			}
		}
	}
	s.ToRecover = s.Total - s.Damaged - s.Duplicates

	for _, cs := range stats {
		s.Cohorts = append(s.Cohorts, *cs)
	}
	sort.Slice(s.Cohorts, func(i, j int) bool {
		if s.Cohorts[i].Family != s.Cohorts[j].Family {
			return s.Cohorts[i].Family < s.Cohorts[j].Family
		}
		return s.Cohorts[i].Subtype < s.Cohorts[j].Subtype
	})
	return s
}

// FormatBytes renders a byte count in the largest sensible unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// PrintConsole writes the colored operator wrap-up.
func PrintConsole(w io.Writer, s Summary) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	bold.Fprintf(w, "\nbeachcomb run %s (%s mode)\n", s.RunID, s.Mode)
	fmt.Fprintf(w, "  source: %s\n  dest:   %s\n", s.Source, s.Dest)
	fmt.Fprintf(w, "  %d files scanned, %s, %s elapsed\n",
		s.Total, FormatBytes(s.TotalBytes), s.Elapsed.Round(time.Second))
	green.Fprintf(w, "  %d to recover\n", s.ToRecover)
	if s.Duplicates > 0 {
		yellow.Fprintf(w, "  %d duplicates\n", s.Duplicates)
	}
	if s.Undated > 0 {
		yellow.Fprintf(w, "  %d undated\n", s.Undated)
	}
	if s.Damaged > 0 {
		red.Fprintf(w, "  %d damaged\n", s.Damaged)
	}
	if s.Failures > 0 {
		red.Fprintf(w, "  %d classification failures\n", s.Failures)
	}
}

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"bytes": FormatBytes,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>beachcomb report — {{.RunID}}</title>
<style>
  body { font-family: -apple-system, sans-serif; margin: 2em; color: #222; }
  .cards { display: flex; gap: 1em; flex-wrap: wrap; }
  .card { border: 1px solid #ddd; border-radius: 8px; padding: 1em 1.5em; }
  .card .k { color: #666; font-size: 0.85em; }
  .card .v { font-size: 1.6em; font-weight: 600; }
  table { border-collapse: collapse; margin-top: 1.5em; }
  th, td { border: 1px solid #ddd; padding: 6px 12px; text-align: right; }
  th:first-child, td:first-child, th:nth-child(2), td:nth-child(2) { text-align: left; }
  th { background: #f5f5f5; }
</style>
</head>
<body>
<h1>beachcomb report</h1>
<p>run {{.RunID}} &mdash; {{.Mode}} mode &mdash; {{.Source}} &rarr; {{.Dest}}</p>
<div class="cards">
  <div class="card"><div class="k">Files scanned</div><div class="v">{{.Total}}</div></div>
  <div class="card"><div class="k">To recover</div><div class="v">{{.ToRecover}}</div></div>
  <div class="card"><div class="k">Duplicates</div><div class="v">{{.Duplicates}}</div></div>
  <div class="card"><div class="k">Damaged</div><div class="v">{{.Damaged}}</div></div>
  <div class="card"><div class="k">Volume</div><div class="v">{{bytes .TotalBytes}}</div></div>
</div>
<h2>File Type Breakdown</h2>
<table>
<tr><th>Family</th><th>Subtype</th><th>Total</th><th>Dated</th><th>Undated</th><th>Damaged</th><th>Duplicates</th><th>Size</th></tr>
{{range .Cohorts}}
<tr>
  <td>{{.Family}}</td><td>{{.Subtype}}</td>
  <td>{{.Total}}</td><td>{{.Dated}}</td><td>{{.Undated}}</td>
  <td>{{.Damaged}}</td><td>{{.Duplicates}}</td><td>{{bytes .Bytes}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

// WriteHTML renders the review page for a summary.
func WriteHTML(w io.Writer, s Summary) error {
	if err := reportTmpl.Execute(w, s); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}
	return nil
}

// SaveHTML writes the review page to a file, creating parent directories.
func SaveHTML(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteHTML(f, s); err != nil {
		return err
	}
	return f.Close()
}
