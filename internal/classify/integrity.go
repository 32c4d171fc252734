package classify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/tools"
)

// IntegrityOptions select how deep the integrity checks go.
type IntegrityOptions struct {
	Mode       string
	OfficeDeep bool
	VideoSmoke bool
}

// Extras carries per-family side results of an integrity check.
type Extras struct {
	ArchiveSubtype string
	PDFError       string
	OfficeError    string
	VideoDuration  string
}

// Integrity checks whether path looks like an intact file of its detected
// family. It returns record.IntegrityOK or a failure tag, plus extras. A
// missing helper tool degrades the check rather than failing the file.
func Integrity(ctx context.Context, path, family, subtype string, opt IntegrityOptions) (string, Extras) {
	switch family {
	case "PDFs":
		return pdfIntegrity(ctx, path, opt)
	case "Video":
		return videoIntegrity(ctx, path, opt)
	case "Archives", "GIS":
		return archiveIntegrity(ctx, path, subtype)
	case "Office":
		if opt.OfficeDeep {
			return officeIntegrity(ctx, path)
		}
		return genericIntegrity(path)
	default:
		return genericIntegrity(path)
	}
}

// genericIntegrity only rejects files too short to hold any header.
func genericIntegrity(path string) (string, Extras) {
	f, err := os.Open(path)
	if err != nil {
		return "read-fail", Extras{}
	}
	defer f.Close()
	sig := make([]byte, 12)
	n, _ := f.Read(sig)
	if n < 4 {
		return "bad-header", Extras{}
	}
	return record.IntegrityOK, Extras{}
}

// ------------------------------------------------------------------- PDF

func pdfIntegrity(ctx context.Context, path string, opt IntegrityOptions) (string, Extras) {
	if tools.Have("pdfinfo") {
		rc, _, _ := tools.Run(ctx, 10*time.Second, "pdfinfo", path)
		// pdfinfo refusing the file outright means real damage; everything
		// else below is a non-fatal warning tag.
		if rc != 0 {
			return "pdfinfo-fail", Extras{}
		}
	}
	var tag string
	if !pdfHasEOFTail(path) {
		tag = "pdf-tail-fail"
	} else if opt.Mode == ModeHeavy {
		if ok, deep := pdfDeepCheck(ctx, path); !ok {
			tag = deep
		}
	}
	return record.IntegrityOK, Extras{PDFError: tag}
}

// pdfHasEOFTail scans the last 64 KiB for the %%EOF trailer.
func pdfHasEOFTail(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false
	}
	const window = 65536
	off := info.Size() - window
	if off < 0 {
		off = 0
	}
	buf := make([]byte, window)
	n, _ := f.ReadAt(buf, off)
	return bytes.Contains(buf[:n], []byte("%%EOF"))
}

func pdfDeepCheck(ctx context.Context, path string) (bool, string) {
	if tools.Have("qpdf") {
		if rc, _, _ := tools.Run(ctx, time.Minute, "qpdf", "--check", path); rc != 0 {
			return false, "qpdf-check-fail"
		}
	}
	if tools.Have("mutool") {
		rc, out, errOut := tools.Run(ctx, 30*time.Second, "mutool", "info", path)
		if rc != 0 && strings.Contains(strings.ToLower(errOut+out), "cannot open document") {
			return false, "mutool-info-fail"
		}
	}
	if tools.Have("gs") {
		rc, _, _ := tools.Run(ctx, time.Minute, "gs",
			"-o", "/dev/null", "-sDEVICE=nullpage", "-dBATCH", "-dNOPAUSE", "-q", path)
		if rc != 0 {
			return false, "gs-render-fail"
		}
	}
	return true, ""
}

// PDFInfoMeta returns (version, encrypted, linearized) from pdfinfo.
func PDFInfoMeta(ctx context.Context, path string) (string, string, string) {
	if !tools.Have("pdfinfo") {
		return "", "", ""
	}
	rc, out, _ := tools.Run(ctx, 20*time.Second, "pdfinfo", path)
	if rc != 0 {
		return "", "", ""
	}
	var ver, enc, lin string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "PDF version:"):
			ver = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "Encrypted:"):
			enc = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		case strings.HasPrefix(line, "Linearized:"):
			lin = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
		}
	}
	return ver, enc, lin
}

// PDFKind decides between "Digital" (embedded text) and "Scans" using
// pdffonts and a first-page pdftotext probe.
func PDFKind(ctx context.Context, path string) string {
	if tools.Have("pdffonts") {
		rc, out, _ := tools.Run(ctx, 20*time.Second, "pdffonts", path)
		if rc == 0 {
			n := 0
			for _, l := range strings.Split(out, "\n") {
				if strings.TrimSpace(l) != "" {
					n++
				}
			}
			// Two header lines precede any real font row.
			if n > 2 {
				return "Digital"
			}
		}
	}
	if tools.Have("pdftotext") {
		rc, out, _ := tools.Run(ctx, 20*time.Second, "pdftotext",
			"-f", "1", "-l", "1", "-nopgbrk", "-q", path, "-")
		if rc == 0 && strings.TrimSpace(out) != "" {
			return "Digital"
		}
	}
	return "Scans"
}

// ----------------------------------------------------------------- video

func videoIntegrity(ctx context.Context, path string, opt IntegrityOptions) (string, Extras) {
	if !tools.Have("ffprobe") {
		return "tool-missing", Extras{}
	}
	rc, _, _ := tools.Run(ctx, 12*time.Second, "ffprobe",
		"-v", "error", "-show_streams", "-show_format", "-of", "json", path)
	if rc != 0 {
		return "ffprobe-fail", Extras{}
	}
	rc, out, _ := tools.Run(ctx, 8*time.Second, "ffprobe",
		"-v", "error", "-show_entries", "format=duration", "-of", "default=nk=1:nw=1", path)
	duration := 0.0
	if rc == 0 {
		if d, err := strconv.ParseFloat(strings.TrimSpace(out), 64); err == nil {
			duration = d
		}
	}
	if duration <= 0 {
		return "ffprobe-no-duration", Extras{VideoDuration: "0"}
	}
	dur := strconv.FormatFloat(duration, 'f', -1, 64)
	if opt.VideoSmoke && !FFmpegSmoke(ctx, path) {
		return "ffmpeg-decode-error", Extras{VideoDuration: dur}
	}
	return record.IntegrityOK, Extras{VideoDuration: dur}
}

// FFmpegSmoke decodes one second of the file to /dev/null. Missing ffmpeg
// passes the check.
func FFmpegSmoke(ctx context.Context, path string) bool {
	if !tools.Have("ffmpeg") {
		return true
	}
	rc, _, _ := tools.Run(ctx, 2*time.Minute, "ffmpeg",
		"-v", "error", "-i", path, "-t", "1", "-f", "null", "-", "-y")
	return rc == 0
}

// -------------------------------------------------------------- archives

func archiveIntegrity(ctx context.Context, path, subtype string) (string, Extras) {
	if subtype == "ZIP" && tools.Have("unzip") {
		rc, _, _ := tools.Run(ctx, 10*time.Second, "unzip", "-t", "-qq", path)
		if rc != 0 {
			return "zip-test-fail", Extras{ArchiveSubtype: "ZIP"}
		}
		return record.IntegrityOK, Extras{ArchiveSubtype: ClassifyZipContents(ctx, path)}
	}
	if subtype == "KMZ" {
		// A KMZ is a ZIP underneath.
		if zipOK(ctx, path) {
			return record.IntegrityOK, Extras{}
		}
		return "zip-test-fail", Extras{}
	}
	return record.IntegrityOK, Extras{}
}

// ZipContents lists the member names of a ZIP via zipinfo.
func ZipContents(ctx context.Context, path string) []string {
	if !tools.Have("zipinfo") {
		return nil
	}
	rc, out, _ := tools.Run(ctx, 10*time.Second, "zipinfo", "-1", path)
	if rc != 0 {
		return nil
	}
	var items []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			items = append(items, l)
		}
	}
	return items
}

// ClassifyZipContents peeks inside a ZIP and refines its subtype by what
// it mostly contains.
func ClassifyZipContents(ctx context.Context, path string) string {
	contents := ZipContents(ctx, path)
	if len(contents) == 0 {
		return "ZIP"
	}
	var exts []string
	for _, item := range contents {
		if e := strings.ToLower(filepath.Ext(item)); e != "" {
			exts = append(exts, e)
		}
	}
	if len(exts) == 0 {
		return "ZIP"
	}

	docExts := map[string]bool{".pdf": true, ".docx": true, ".doc": true, ".xlsx": true,
		".xls": true, ".pptx": true, ".ppt": true, ".txt": true, ".rtf": true,
		".pages": true, ".key": true, ".numbers": true}
	imgExts := map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
		".tif": true, ".tiff": true, ".bmp": true, ".heic": true, ".webp": true}
	webExts := map[string]bool{".html": true, ".htm": true, ".js": true, ".css": true}
	appExts := map[string]bool{".dylib": true, ".dll": true, ".so": true, ".exe": true, ".app": true}

	docs, imgs := 0, 0
	for _, e := range exts {
		if appExts[e] {
			return "ZIP-AppFiles"
		}
		if webExts[e] {
			return "ZIP-WebApp"
		}
		if docExts[e] {
			docs++
		}
		if imgExts[e] {
			imgs++
		}
	}
	total := docs + imgs
	if total == 0 {
		return "ZIP"
	}
	if imgs > 0 && float64(imgs)/float64(total) >= 0.75 {
		return "ZIP-Images"
	}
	if docs > 0 {
		return "ZIP-Documents"
	}
	return "ZIP"
}

func zipOK(ctx context.Context, path string) bool {
	if tools.Have("unzip") {
		rc, _, _ := tools.Run(ctx, 15*time.Second, "unzip", "-t", "-qq", path)
		return rc == 0
	}
	if tools.Have("zipinfo") {
		rc, _, _ := tools.Run(ctx, 15*time.Second, "zipinfo", "-t", path)
		return rc == 0
	}
	return true
}

// ---------------------------------------------------------------- office

func officeIntegrity(ctx context.Context, path string) (string, Extras) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xltx":
		if !zipOK(ctx, path) {
			return "xlsx-zip-fail", Extras{OfficeError: "zip-fail"}
		}
		if !xlsxCorePresent(ctx, path) {
			return "xlsx-missing-core", Extras{OfficeError: "missing-core"}
		}
		return record.IntegrityOK, Extras{}
	case ".xls":
		if oleHasWorkbook(ctx, path) {
			return record.IntegrityOK, Extras{}
		}
		return "xls-ole-fail", Extras{OfficeError: "ole-missing"}
	case ".numbers":
		if ok, tag := numbersPackageOK(ctx, path); !ok {
			return tag, Extras{OfficeError: tag}
		}
		return record.IntegrityOK, Extras{}
	}
	return record.IntegrityOK, Extras{}
}

func xlsxCorePresent(ctx context.Context, path string) bool {
	items := ZipContents(ctx, path)
	if len(items) == 0 {
		// Listing tool missing; do not fail the file here.
		return true
	}
	set := make(map[string]bool, len(items))
	hasSheet := false
	for _, it := range items {
		set[it] = true
		if strings.HasPrefix(it, "xl/worksheets/") {
			hasSheet = true
		}
	}
	return set["[Content_Types].xml"] && set["xl/workbook.xml"] && hasSheet
}

var oleSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

func oleHasWorkbook(ctx context.Context, path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	sig := make([]byte, 8)
	n, _ := f.Read(sig)
	f.Close()
	if n != 8 || !bytes.Equal(sig, oleSignature) {
		return false
	}
	if !tools.Have("file") {
		return true
	}
	rc, out, _ := tools.Run(ctx, 5*time.Second, "file", "-b", path)
	return rc == 0 && (strings.Contains(out, "Composite Document File") || strings.Contains(out, "CDFV2"))
}

func numbersPackageOK(ctx context.Context, path string) (bool, string) {
	info, err := os.Stat(path)
	if err != nil {
		return false, "read-fail"
	}
	if info.IsDir() {
		idx := filepath.Join(path, "Index.zip")
		if _, err := os.Stat(idx); err == nil {
			if !zipOK(ctx, idx) {
				return false, "numbers-indexzip-fail"
			}
			return true, ""
		}
		if _, err := os.Stat(filepath.Join(path, "Index")); err == nil {
			return true, ""
		}
		if _, err := os.Stat(filepath.Join(path, "QuickLook/Preview.pdf")); err == nil {
			return false, "iwork-preview-only"
		}
		return false, "numbers-missing-index"
	}
	if !zipOK(ctx, path) {
		return false, "numbers-zip-fail"
	}
	return true, ""
}
