// Package daterec recovers original timestamps from file metadata.
//
// Recovery is only attempted for files whose modification time looks
// suspicious (newer than the undated cutoff): a carved file with a
// plausible old mtime keeps it, and its embedded metadata dates are never
// consulted — even when those might be more accurate.
package daterec

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dhowden/tag"

	"github.com/ferebee/beachcomb/internal/daemon"
	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/tools"
)

// parseInstant parses metadata timestamps in either ISO 8601 or the EXIF
// "YYYY:MM:DD HH:MM:SS" shape. Naive values are taken as UTC.
func parseInstant(val string) (time.Time, bool) {
	val = strings.TrimSpace(val)
	if len(val) >= 10 && val[4] == ':' && val[7] == ':' {
		val = val[0:4] + "-" + val[5:7] + "-" + val[8:10] + val[10:]
	}
	val = strings.Replace(val, " ", "T", 1)
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, val); err == nil {
			// Naive values parse as UTC, which matches how the tools emit them.
			return t.Local(), true
		}
	}
	return time.Time{}, false
}

// EXIFDate returns the earliest-priority capture date for an image via the
// shared daemon: SubSecDateTimeOriginal, DateTimeOriginal, CreateDate,
// XMP:CreateDate, QuickTime:CreateDate.
func EXIFDate(et *daemon.ExifTool, path string) (string, time.Time) {
	if et == nil || !et.Available() {
		return "", time.Time{}
	}
	res := et.Call([]string{
		"-SubSecDateTimeOriginal", "-DateTimeOriginal", "-CreateDate", "-XMP:CreateDate",
		"-QuickTime:CreateDate", "-api", "QuickTimeUTC=1", "-s", "-s", "-s", path,
	}, 20*time.Second)
	if res.Failed() {
		return "", time.Time{}
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if t, ok := parseInstant(line); ok {
			return record.DateSourceEXIF, t
		}
	}
	return "", time.Time{}
}

// VideoDate returns the first parseable creation date from the video's
// container metadata via the shared daemon.
func VideoDate(et *daemon.ExifTool, path string) (string, time.Time) {
	if et == nil || !et.Available() {
		return "", time.Time{}
	}
	res := et.Call([]string{
		"-api", "QuickTimeUTC=1", "-MediaCreateDate", "-TrackCreateDate",
		"-CreateDate", "-DateTimeOriginal", "-s", "-s", "-s", path,
	}, 20*time.Second)
	if res.Failed() {
		return "", time.Time{}
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if t, ok := parseInstant(line); ok {
			return record.DateSourceVideo, t
		}
	}
	return "", time.Time{}
}

// FFprobeDateAndDuration returns the container creation time and duration
// in seconds. Duration < 0 means unknown.
func FFprobeDateAndDuration(ctx context.Context, path string) (string, time.Time, float64) {
	if !tools.Have("ffprobe") {
		return "", time.Time{}, -1
	}
	rc, ct, _ := tools.Run(ctx, 15*time.Second, "ffprobe",
		"-v", "error", "-show_entries", "format_tags=creation_time", "-of", "default=nk=1:nw=1", path)
	rc2, dur, _ := tools.Run(ctx, 15*time.Second, "ffprobe",
		"-v", "error", "-show_entries", "format=duration", "-of", "default=nk=1:nw=1", path)

	var when time.Time
	source := ""
	if rc == 0 {
		if t, ok := parseInstant(ct); ok {
			when = t
			source = record.DateSourceFFprobe
		}
	}
	duration := -1.0
	if rc2 == 0 {
		if d, err := strconv.ParseFloat(strings.TrimSpace(dur), 64); err == nil {
			duration = d
		}
	}
	return source, when, duration
}

// PDFInfoDates extracts the creation date (preferred) or modification date
// from PDF metadata.
func PDFInfoDates(ctx context.Context, path string) (string, time.Time) {
	if !tools.Have("pdfinfo") {
		return "", time.Time{}
	}
	rc, out, _ := tools.Run(ctx, 20*time.Second, "pdfinfo", "-isodates", path)
	if rc != 0 {
		return "", time.Time{}
	}
	var created, modified time.Time
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "CreationDate:"):
			if t, ok := parseInstant(strings.SplitN(line, ":", 2)[1]); ok {
				created = t
			}
		case strings.HasPrefix(line, "ModDate:"):
			if t, ok := parseInstant(strings.SplitN(line, ":", 2)[1]); ok {
				modified = t
			}
		}
	}
	if !created.IsZero() {
		return record.DateSourcePDFCre, created
	}
	if !modified.IsZero() {
		return record.DateSourcePDFMod, modified
	}
	return "", time.Time{}
}

// videoWindow bounds plausible video creation dates: carved container
// metadata is full of epoch zeroes and far-future garbage.
func videoWindow(now time.Time) (time.Time, time.Time) {
	earliest := time.Date(1995, 1, 1, 0, 0, 0, 0, now.Location())
	latest := now.Add(30 * 24 * time.Hour)
	return earliest, latest
}

// BestVideoDate combines container metadata and ffprobe creation time,
// keeping the first candidate inside the plausibility window, and rejects
// it when the file has no positive duration. It also returns the probed
// duration string when the caller has none yet.
func BestVideoDate(ctx context.Context, et *daemon.ExifTool, path string) (string, time.Time, string) {
	src1, d1 := VideoDate(et, path)
	src2, d2, dur := FFprobeDateAndDuration(ctx, path)

	durStr := ""
	if dur >= 0 {
		durStr = strconv.FormatFloat(dur, 'f', -1, 64)
	}

	earliest, latest := videoWindow(time.Now())
	type candidate struct {
		source string
		when   time.Time
	}
	var picked *candidate
	for _, c := range []candidate{{src1, d1}, {src2, d2}} {
		if c.source == "" || c.when.IsZero() {
			continue
		}
		if !c.when.Before(earliest) && !c.when.After(latest) {
			picked = &c
			break
		}
	}
	if picked != nil && dur <= 0 {
		picked = nil
	}
	if picked == nil {
		return "", time.Time{}, durStr
	}
	return picked.source, picked.when, durStr
}

// AudioTitle reads an embedded title from an audio file's tags in-process.
// Used by the renamer; returns "" when no usable tag exists.
func AudioTitle(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	m, err := tag.ReadFrom(f)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(m.Title())
}
