// Package binplan partitions each (family, subtype) cohort of healthy
// records into destination buckets no larger than a configured cap, using
// the finest calendar granularity that keeps every bucket within the cap.
// Sparse periods are coalesced by a greedy left-to-right merge; dense
// periods recurse from year down to minute, and a single overfull minute is
// chunked by source path.
package binplan

import (
	"fmt"
	"sort"
	"time"

	"github.com/ferebee/beachcomb/internal/classify"
	"github.com/ferebee/beachcomb/internal/record"
)

// Options configure cohort planning.
type Options struct {
	// MaxPerBin caps bucket population. A period is heavy strictly when
	// its own population exceeds the cap, so a period exactly at the cap
	// still merges with neighbors.
	MaxPerBin int
	// PromoteThreshold lifts an "Other" type label into its own family
	// once that many records carry it.
	PromoteThreshold int
	// PromoteMakeThreshold and PromoteModelThreshold gate camera-based
	// image subtype routing.
	PromoteMakeThreshold  int
	PromoteModelThreshold int
}

// DefaultOptions mirror the CLI defaults.
func DefaultOptions() Options {
	return Options{
		MaxPerBin:             1000,
		PromoteThreshold:      10,
		PromoteMakeThreshold:  25,
		PromoteModelThreshold: 25,
	}
}

/// Bucket is one planned destination grouping: dest/<Family>/<Subtype>/<Label>.
// Members index into the record slice passed to Plan, sorted by source path.
type Bucket struct {
	Family  string
	Subtype string
	Label   string
	Members []int
}

type granularity int

const (
	granYear granularity = iota
	granMonth
	granDay
	granMinute
)

// period identifies one calendar period; fields beyond the granularity in
// play stay zero so periods compare correctly at each level.
type period struct {
	y, mo, d, h, mi int
}

func periodAt(g granularity, ts time.Time) period {
	p := period{y: ts.Year()}
	if g >= granMonth {
		p.mo = int(ts.Month())
	}
	if g >= granDay {
		p.d = ts.Day()
	}
	if g >= granMinute {
		p.h = ts.Hour()
		p.mi = ts.Minute()
	}
	return p
}

func (p period) less(q period) bool {
	if p.y != q.y {
		return p.y < q.y
	}
	if p.mo != q.mo {
		return p.mo < q.mo
	}
	if p.d != q.d {
		return p.d < q.d
	}
	if p.h != q.h {
		return p.h < q.h
	}
	return p.mi < q.mi
}

func (g granularity) format(p period) string {
	switch g {
	case granYear:
		return fmt.Sprintf("%04d", p.y)
	case granMonth:
		return fmt.Sprintf("%04d-%02d", p.y, p.mo)
	case granDay:
		return fmt.Sprintf("%04d-%02d-%02d", p.y, p.mo, p.d)
	default:
		return fmt.Sprintf("%04d-%02d-%02d_%02d%02d", p.y, p.mo, p.d, p.h, p.mi)
	}
}

// spanLabel names a merged run of periods: a single period's own label, or
// "first-last" for a range.
func (g granularity) spanLabel(first, last period) string {
	if first == last {
		return g.format(first)
	}
	return g.format(first) + "-" + g.format(last)
}

type item struct {
	idx  int
	ts   time.Time
	path string
}

type labeledBin struct {
	label   string
	members []int
}

// greedyMerge packs consecutive periods left to right: accumulate until
// adding the next period would exceed the cap, then close the span. A
// period that alone exceeds the cap still occupies its own span so the walk
// always advances.
func greedyMerge(keys []period, counts map[period]int, maxPer int) [][2]int {
	var spans [][2]int
	start := 0
	for start < len(keys) {
		total := 0
		end := start
		for end < len(keys) && total+counts[keys[end]] <= maxPer {
			total += counts[keys[end]]
			end++
		}
		if end == start {
			end = start + 1
		}
		spans = append(spans, [2]int{start, end})
		start = end
	}
	return spans
}

// refine buckets items at granularity g. Light periods merge greedily with
// their neighbors; heavy periods recurse one level finer. At minute
// granularity there is nothing finer, so an overfull span is chunked into
// path-ordered "-NNN" parts instead.
func refine(g granularity, items []item, maxPer int) []labeledBin {
	groups := make(map[period][]item)
	for _, it := range items {
		p := periodAt(g, it.ts)
		groups[p] = append(groups[p], it)
	}
	keys := make([]period, 0, len(groups))
	for p := range groups {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })

	counts := make(map[period]int, len(keys))
	for p, its := range groups {
		counts[p] = len(its)
	}

	var out []labeledBin

	emitSpans := func(run []period) {
		for _, sp := range greedyMerge(run, counts, maxPer) {
			first, last := run[sp[0]], run[sp[1]-1]
			var members []int
			for _, p := range run[sp[0]:sp[1]] {
				for _, it := range groups[p] {
					members = append(members, it.idx)
				}
			}
			label := g.spanLabel(first, last)
			if len(members) > maxPer && g == granMinute {
				out = append(out, chunk(label, collect(groups, run[sp[0]:sp[1]]), maxPer)...)
				continue
			}
			out = append(out, labeledBin{label: label, members: members})
		}
	}

	var run []period
	for _, p := range keys {
		if counts[p] > maxPer && g < granMinute {
			if len(run) > 0 {
				emitSpans(run)
				run = nil
			}
			out = append(out, refine(g+1, groups[p], maxPer)...)
			continue
		}
		run = append(run, p)
	}
	if len(run) > 0 {
		emitSpans(run)
	}
	return out
}

func collect(groups map[period][]item, run []period) []item {
	var its []item
	for _, p := range run {
		its = append(its, groups[p]...)
	}
	return its
}

// chunk splits an overfull terminal span into fixed-size numbered parts
// ordered by source path.
func chunk(label string, items []item, maxPer int) []labeledBin {
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })
	var out []labeledBin
	for start, n := 0, 1; start < len(items); start, n = start+maxPer, n+1 {
		end := start + maxPer
		if end > len(items) {
			end = len(items)
		}
		members := make([]int, 0, end-start)
		for _, it := range items[start:end] {
			members = append(members, it.idx)
		}
		out = append(out, labeledBin{label: fmt.Sprintf("%s-%03d", label, n), members: members})
	}
	return out
}

// PromoteOtherTypes lifts frequent "Other" type labels into their own
// family and subtype once threshold records carry the same label.
func PromoteOtherTypes(recs []*record.Record, threshold int) {
	counts := make(map[string]int)
	for _, r := range recs {
		if r.Family == "Other" && r.TypeLabel != "" {
			counts[r.TypeLabel]++
		}
	}
	for _, r := range recs {
		if r.Family == "Other" && r.TypeLabel != "" && counts[r.TypeLabel] >= threshold {
			r.Family = r.TypeLabel
			r.Subtype = r.TypeLabel
		}
	}
}

// routeImages rewrites image subtypes before grouping: ui-cache,
// screenshot and preview kinds get dedicated underscore subtypes, and
// camera makes/models that clear the promotion thresholds get
// Camera-Make/Camera-Model subtrees. iPhone subtypes are already
// device-specific and stay untouched.
func routeImages(recs []*record.Record, opt Options) {
	type mkmd struct{ mk, md string }
	makeCounts := make(map[string]int)
	modelCounts := make(map[mkmd]int)
	for _, r := range recs {
		if r.Family != "Images" {
			continue
		}
		switch r.ImgKind {
		case classify.KindUICache, classify.KindScreenshot, classify.KindPreview:
			continue
		}
		if hasIPhoneSubtype(r) {
			continue
		}
		if r.EXIFMake != "" {
			makeCounts[r.EXIFMake]++
			if r.EXIFModel != "" {
				modelCounts[mkmd{r.EXIFMake, r.EXIFModel}]++
			}
		}
	}

	for _, r := range recs {
		if r.Family != "Images" || !r.OK() {
			continue
		}
		switch r.ImgKind {
		case classify.KindUICache:
			r.Subtype = "_ui-cache"
			continue
		case classify.KindScreenshot:
			r.Subtype = "_screenshots"
			continue
		case classify.KindPreview:
			r.Subtype = "_previews"
			continue
		}
		if hasIPhoneSubtype(r) {
			continue
		}
		mk, md := r.EXIFMake, r.EXIFModel
		if mk != "" && md != "" && modelCounts[mkmd{mk, md}] >= opt.PromoteModelThreshold {
			r.Subtype = "Camera-Model/" + classify.SanitizeToken(mk) + "_" + classify.SanitizeToken(md)
			continue
		}
		if mk != "" && makeCounts[mk] >= opt.PromoteMakeThreshold {
			r.Subtype = "Camera-Make/" + classify.SanitizeToken(mk)
		}
	}
}

func hasIPhoneSubtype(r *record.Record) bool {
	return len(r.Subtype) >= 7 && r.Subtype[:7] == "iPhone-"
}

// Plan buckets every ok-integrity record. It first applies the pre-binning
// rewrites (Other-type promotion, image kind and camera routing), then
// plans each (family, subtype) cohort independently:
//
//   - records with a recovered date, or an unsuspicious mtime, are bucketed
//     by calendar period via refine;
//   - records with no resolvable instant land in fixed-size, path-ordered
//     "undated-NNNN" buckets that never merge with dated ones.
//
// Cohorts and buckets come back sorted by (family, subtype, label) with
// members sorted by source path, so output is reproducible regardless of
// discovery order.
func Plan(recs []*record.Record, opt Options) []Bucket {
	if opt.MaxPerBin < 1 {
		opt.MaxPerBin = 1
	}
	PromoteOtherTypes(recs, opt.PromoteThreshold)
	routeImages(recs, opt)

	type cohortKey struct{ family, subtype string }
	cohorts := make(map[cohortKey][]int)
	for i, r := range recs {
		if !r.OK() {
			continue
		}
		k := cohortKey{r.Family, r.Subtype}
		cohorts[k] = append(cohorts[k], i)
	}

	cohortKeys := make([]cohortKey, 0, len(cohorts))
	for k := range cohorts {
		cohortKeys = append(cohortKeys, k)
	}
	sort.Slice(cohortKeys, func(i, j int) bool {
		if cohortKeys[i].family != cohortKeys[j].family {
			return cohortKeys[i].family < cohortKeys[j].family
		}
		return cohortKeys[i].subtype < cohortKeys[j].subtype
	})

	var out []Bucket
	for _, ck := range cohortKeys {
		var dated []item
		var unknown []item
		for _, i := range cohorts[ck] {
			r := recs[i]
			switch {
			case r.HasDate():
				dated = append(dated, item{idx: i, ts: r.Date, path: r.SourcePath})
			case !r.UndatedFlag && !r.ModTime.IsZero():
				// Plausible mtime doubles as the recovered date.
				if r.DateSource == "" {
					r.DateSource = record.DateSourceMtime
				}
				r.Date = r.ModTime
				dated = append(dated, item{idx: i, ts: r.ModTime, path: r.SourcePath})
			default:
				unknown = append(unknown, item{idx: i, ts: time.Time{}, path: r.SourcePath})
			}
		}
		sort.Slice(dated, func(i, j int) bool {
			if !dated[i].ts.Equal(dated[j].ts) {
				return dated[i].ts.Before(dated[j].ts)
			}
			return dated[i].path < dated[j].path
		})
		sort.Slice(unknown, func(i, j int) bool { return unknown[i].path < unknown[j].path })

		bins := refine(granYear, dated, opt.MaxPerBin)
		for start, n := 0, 1; start < len(unknown); start, n = start+opt.MaxPerBin, n+1 {
			end := start + opt.MaxPerBin
			if end > len(unknown) {
				end = len(unknown)
			}
			members := make([]int, 0, end-start)
			for _, it := range unknown[start:end] {
				members = append(members, it.idx)
			}
			bins = append(bins, labeledBin{
				label:   fmt.Sprintf("undated-%04d", n),
				members: members,
			})
		}

		sort.Slice(bins, func(i, j int) bool { return bins[i].label < bins[j].label })
		for _, b := range bins {
			members := append([]int(nil), b.members...)
			sort.Slice(members, func(i, j int) bool {
				return recs[members[i]].SourcePath < recs[members[j]].SourcePath
			})
			out = append(out, Bucket{
				Family:  ck.family,
				Subtype: ck.subtype,
				Label:   b.label,
				Members: members,
			})
		}
	}
	return out
}
