// Package classify performs per-file analysis: type family/subtype
// detection, integrity checks, and image/PDF specific classification.
// Everything here is a pure function over one file, invoked once per record
// by the processing pipeline; failures degrade to status tags, never abort.
package classify

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferebee/beachcomb/internal/tools"
)

// Analysis modes. Light skips the expensive checks; heavy adds MIME
// sniffing, deep PDF/Office validation and video decode smoke tests.
const (
	ModeLight = "light"
	ModeHeavy = "heavy"
)

type familySubtype struct {
	family  string
	subtype string
}

// extFamily maps a lowercase extension to its (family, subtype) cohort key.
var extFamily = map[string]familySubtype{
	// Images
	"jpg": {"Images", "JPG"}, "jpeg": {"Images", "JPG"}, "png": {"Images", "PNG"},
	"heic": {"Images", "HEIC"}, "heif": {"Images", "HEIC"}, "jp2": {"Images", "JP2"},
	"tif": {"Images", "TIFF"}, "tiff": {"Images", "TIFF"}, "gif": {"Images", "GIF"},
	"webp": {"Images", "WEBP"},
	// Video
	"mov": {"Video", "MOV"}, "mp4": {"Video", "MP4"}, "m4v": {"Video", "M4V"}, "avi": {"Video", "AVI"},
	// Audio
	"m4a": {"Audio", "M4A"}, "mp3": {"Audio", "MP3"}, "wav": {"Audio", "WAV"},
	"aif": {"Audio", "AIFF"}, "aiff": {"Audio", "AIFF"},
	// PDFs
	"pdf": {"PDFs", "PDF"},
	// Office / documents
	"doc": {"Office", "Word"}, "docx": {"Office", "Word"}, "odt": {"Office", "Writer"},
	"xls": {"Office", "Excel"}, "xlsx": {"Office", "Excel"}, "numbers": {"Office", "Numbers"},
	"xlsm": {"Office", "Excel"}, "xltx": {"Office", "Excel"},
	"ppt": {"Office", "PowerPoint"}, "pptx": {"Office", "PowerPoint"}, "key": {"Office", "Keynote"},
	"rtf": {"Text", "RTF"}, "txt": {"Text", "TXT"}, "csv": {"Text", "CSV"},
	// Adobe creative
	"psd": {"Adobe", "Photoshop"}, "ai": {"Adobe", "Illustrator"}, "eps": {"Adobe", "EPS"},
	"indd": {"Adobe", "InDesign"}, "idml": {"Adobe", "IDML"}, "svg": {"Adobe", "SVG"},
	// Archives
	"zip": {"Archives", "ZIP"}, "7z": {"Archives", "7z"}, "rar": {"Archives", "RAR"},
	"tar": {"Archives", "TAR"}, "gz": {"Archives", "GZIP"}, "tgz": {"Archives", "TARGZ"},
	// Other
	"ics": {"Other", "ICS"}, "sqlite": {"Other", "SQLite"}, "eml": {"Other", "EML"},
	"mbox": {"Other", "MBOX"},
	"kmz":  {"GIS", "KMZ"},
}

// mimeExt maps a MIME type back to a canonical extension, used to append a
// guessed extension to carved files that lost theirs.
var mimeExt = map[string]string{
	"image/jpeg": "jpg", "image/png": "png", "image/gif": "gif", "image/webp": "webp",
	"image/tiff": "tiff", "image/heif": "heic", "image/heic": "heic", "image/jp2": "jp2",
	"application/pdf": "pdf", "text/rtf": "rtf", "text/plain": "txt", "text/csv": "csv",
	"application/postscript": "eps", "application/vnd.adobe.photoshop": "psd",
	"application/illustrator": "ai",
	"video/quicktime":         "mov", "video/mp4": "mp4",
	"audio/mpeg": "mp3", "audio/wav": "wav", "audio/mp4": "m4a",
	"application/zip": "zip",
}

// Ext returns the lowercase extension of path without the dot.
func Ext(path string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
}

// MIMEType sniffs the file's MIME type with file(1), or returns "" when
// the tool is missing or fails.
func MIMEType(ctx context.Context, path string) string {
	rc, out, _ := tools.Run(ctx, 10*time.Second, "file", "-b", "--mime-type", path)
	if rc != 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// Detect classifies path into (family, subtype, mime). The extension table
// decides when it knows the extension; heavy mode falls back to magic-based
// MIME sniffing for extensionless or unknown files.
func Detect(ctx context.Context, path, mode string) (string, string, string) {
	ext := Ext(path)
	if fs, ok := extFamily[ext]; ok {
		return fs.family, fs.subtype, ""
	}
	var mt string
	if mode == ModeHeavy {
		mt = MIMEType(ctx, path)
		if mt != "" {
			switch {
			case strings.HasPrefix(mt, "image/"):
				return "Images", strings.ToUpper(strings.SplitN(mt, "/", 2)[1]), mt
			case strings.HasPrefix(mt, "video/"):
				return "Video", strings.ToUpper(strings.SplitN(mt, "/", 2)[1]), mt
			case strings.HasPrefix(mt, "audio/"):
				return "Audio", strings.ToUpper(strings.SplitN(mt, "/", 2)[1]), mt
			case mt == "application/pdf":
				return "PDFs", "PDF", mt
			case strings.Contains(mt, "postscript"):
				return "Adobe", "EPS", mt
			case strings.Contains(mt, "vnd.adobe.photoshop"):
				return "Adobe", "Photoshop", mt
			case strings.Contains(mt, "zip"):
				return "Archives", "ZIP", mt
			case strings.Contains(mt, "rtf"):
				return "Text", "RTF", mt
			case strings.Contains(mt, "plain"):
				return "Text", "TXT", mt
			}
		}
	}
	subtype := "UNKNOWN"
	if ext != "" {
		subtype = strings.ToUpper(ext)
	}
	return "Other", subtype, mt
}

// ExtFromMIME returns the canonical extension for a sniffed MIME type, or
// "" when no mapping exists.
func ExtFromMIME(mt string) string {
	return mimeExt[mt]
}
