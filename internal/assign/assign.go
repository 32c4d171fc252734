// Package assign maps each planned (bucket, record) pair to a concrete,
// collision-free destination path under the output root. Naming can be
// delegated to content-aware title extraction; when that yields nothing
// usable the original filename is kept, with an inferred extension appended
// if the source had none.
package assign

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/ferebee/beachcomb/internal/binplan"
	"github.com/ferebee/beachcomb/internal/daemon"
	"github.com/ferebee/beachcomb/internal/daterec"
	"github.com/ferebee/beachcomb/internal/record"
)

// Renaming policies.
const (
	RenameNone     = "none"
	RenameAll      = "all"
	RenamePhotorec = "photorec"
)

// maxNameBytes keeps basenames under the APFS 255-byte limit with headroom.
const maxNameBytes = 240

// Options configure destination assignment.
type Options struct {
	// DestRoot is the output root; buckets become
	// DestRoot/<Family>/<Subtype>/<Label>.
	DestRoot string
	// Rename selects the renaming policy: none, all, or photorec
	// (rename only carver-generated fNNNNNNN names).
	Rename string
	// ET is the shared metadata daemon, consulted for embedded titles.
	// May be nil.
	ET *daemon.ExifTool
}

// Apply assigns a unique DestPath to every bucket member, walking buckets
// in label order and members in source-path order so the counter-based
// collision disambiguation is reproducible across runs. Paths already
// assigned in this run count as taken even before anything lands on disk.
func Apply(recs []*record.Record, buckets []binplan.Bucket, opt Options) {
	taken := make(map[string]bool)
	for _, b := range buckets {
		binDir := filepath.Join(opt.DestRoot, b.Family, b.Subtype, b.Label)
		for _, i := range b.Members {
			r := recs[i]
			name := destFilename(r, opt)
			candidate := uniquePath(filepath.Join(binDir, name), taken)
			taken[candidate] = true
			r.DestPath = candidate
		}
	}
}

// uniquePath appends " (n)" to the stem until the candidate collides with
// neither the filesystem nor a path assigned earlier in this run.
func uniquePath(path string, taken map[string]bool) string {
	free := func(p string) bool {
		if taken[p] {
			return false
		}
		_, err := os.Lstat(p)
		return os.IsNotExist(err)
	}
	if free(path) {
		return path
	}
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	for n := 1; ; n++ {
		cand := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		if free(cand) {
			return cand
		}
	}
}

func destFilename(r *record.Record, opt Options) string {
	if opt.Rename != RenameNone && opt.Rename != "" {
		if name := generateNewName(r, opt); name != "" {
			return name
		}
	}
	name := filepath.Base(r.SourcePath)
	srcExt := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if srcExt == "" && r.GuessedExt != "" && !strings.HasSuffix(name, "."+r.GuessedExt) {
		name += "." + r.GuessedExt
	}
	return name
}

var photorecStem = regexp.MustCompile(`^f\d{7,}`)

// IsPhotorecName reports whether a filename matches the carver's
// fNNNNNNN output pattern.
func IsPhotorecName(name string) bool {
	ext := filepath.Ext(name)
	return photorecStem.MatchString(strings.TrimSuffix(name, ext))
}

// generateNewName builds "<stem>-<title><ext>" from embedded metadata, or
// "" when the policy skips this file or no usable title exists.
func generateNewName(r *record.Record, opt Options) string {
	base := filepath.Base(r.SourcePath)
	if opt.Rename == RenamePhotorec && !IsPhotorecName(base) {
		return ""
	}
	ext := strings.ToLower(filepath.Ext(base))
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var part string
	if r.Family == "Archives" && strings.HasPrefix(r.Subtype, "ZIP") {
		part = zipNamePart(r.SourcePath)
	} else if title := metadataTitle(r, opt.ET); title != "" {
		if s := sanitizeAndTruncate(title); s != "" {
			part = "-" + s
		}
	}
	if part == "" {
		return ""
	}
	return enforceNameByteLimit(stem+part+ext, maxNameBytes)
}

// titleTags is the priority order of metadata fields worth a filename:
// title-like fields first, then descriptions, keywords, and finally
// creator fields.
var titleTags = []string{
	"-ObjectName", "-Headline", "-Title",
	"-ImageDescription", "-UserComment", "-Caption-Abstract", "-Description", "-Label",
	"-Keywords", "-Subject",
	"-Author", "-Creator", "-By-line",
}

func metadataTitle(r *record.Record, et *daemon.ExifTool) string {
	if title := ooxmlTitle(r.SourcePath); title != "" {
		return title
	}
	if r.Family == "Audio" {
		if title := daterec.AudioTitle(r.SourcePath); title != "" {
			return title
		}
	}
	if et == nil || !et.Available() {
		return ""
	}
	res := et.Call(append(append([]string{}, titleTags...), r.SourcePath), 15*time.Second)
	if res.Failed() {
		return ""
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if _, value, ok := strings.Cut(line, ":"); ok {
			if value = strings.TrimSpace(value); value != "" {
				return value
			}
		}
	}
	return ""
}

// ooxmlTitle reads the Dublin Core title from a modern Office file's
// docProps/core.xml.
func ooxmlTitle(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".xlsx", ".pptx":
	default:
		return ""
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return ""
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "docProps/core.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return ""
		}
		defer rc.Close()
		var props struct {
			Title string `xml:"http://purl.org/dc/elements/1.1/ title"`
		}
		if err := xml.NewDecoder(rc).Decode(&props); err != nil {
			return ""
		}
		return strings.TrimSpace(props.Title)
	}
	return ""
}

// zipNamePart names a ZIP archive after its dominant content type:
// "-<first-file-of-type>+<count>-<EXT>".
func zipNamePart(path string) string {
	contents := zipEntries(path)
	if len(contents) == 0 {
		return ""
	}
	extCounts := make(map[string]int)
	for _, f := range contents {
		if e := strings.ToLower(filepath.Ext(f)); len(e) > 1 {
			extCounts[e]++
		}
	}
	best, bestCount := "", 0
	for e, c := range extCounts {
		if c > bestCount || (c == bestCount && e < best) {
			best, bestCount = e, c
		}
	}
	if best == "" {
		return ""
	}
	var first string
	for _, f := range contents {
		if strings.HasSuffix(strings.ToLower(f), best) {
			first = f
			break
		}
	}
	sanitized := sanitizeAndTruncate(first)
	if sanitized == "" {
		return ""
	}
	return fmt.Sprintf("-%s+%d-%s", sanitized, bestCount, strings.ToUpper(strings.TrimPrefix(best, ".")))
}

// zipEntries lists archive member names in-process; a corrupt archive
// yields nothing rather than an error.
func zipEntries(path string) []string {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	return names
}

var (
	utf16Artifact = regexp.MustCompile(`(?:^|_)0{3}([A-Za-z0-9])`)
	unsafeRuns    = regexp.MustCompile(`[^\w\-]+`)
	dashRuns      = regexp.MustCompile(`--+`)
)

// cleanTitleText fixes common metadata artifacts: embedded NULs, XP-style
// UTF-16LE chunks read as Latin-1, and un-normalized Unicode.
func cleanTitleText(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = utf16Artifact.ReplaceAllString(s, "$1")
	return strings.Trim(norm.NFC.String(s), " -_.")
}

// sanitizeAndTruncate makes a title filename-safe and caps it at 60
// characters, preferring to cut at a dash boundary.
func sanitizeAndTruncate(text string) string {
	const maxLen = 60
	s := cleanTitleText(text)
	s = unsafeRuns.ReplaceAllString(s, "-")
	s = strings.Trim(dashRuns.ReplaceAllString(s, "-"), "-_ .")
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	head := string(runes[:maxLen])
	if i := strings.LastIndex(head, "-"); i > 0 {
		return head[:i]
	}
	return head
}

// enforceNameByteLimit trims the stem from the right until the whole
// basename fits, keeping the suffix intact.
func enforceNameByteLimit(basename string, maxBytes int) string {
	ext := filepath.Ext(basename)
	stem := strings.TrimSuffix(basename, ext)
	for len(basename) > maxBytes && utf8.RuneCountInString(stem) > 1 {
		runes := []rune(stem)
		stem = string(runes[:len(runes)-1])
		basename = stem + ext
	}
	return basename
}
