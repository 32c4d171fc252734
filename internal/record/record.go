// Package record defines the per-file analysis record, the central entity
// produced by the processing pipeline and annotated by the later phases.
package record

import (
	"time"
)

// IntegrityOK is the only integrity value that admits a record to bucket
// planning. Anything else is a failure tag naming the check that rejected
// the file (e.g. "pdfinfo-fail", "zip-test-fail") or "unknown" for a
// fail-open fallback record.
const (
	IntegrityOK      = "ok"
	IntegrityUnknown = "unknown"
)

// Date source tags recorded alongside a recovered date.
const (
	DateSourceEXIF    = "exif"
	DateSourceVideo   = "video_meta"
	DateSourceFFprobe = "ffprobe_creation_time"
	DateSourcePDFCre  = "pdf_creationdate"
	DateSourcePDFMod  = "pdf_moddate"
	DateSourceMtime   = "mtime"
)

// Record is one discovered file. Exactly one Record exists per regular
// file in a run; SourcePath is the natural key. Records are created by the
// pipeline, annotated in place by the dedup, binning and assignment phases
// (each phase runs behind a barrier, so no two phases mutate concurrently),
// and serialized to the manifest regardless of outcome.
type Record struct {
	SourcePath string
	Family     string
	Subtype    string
	Ext        string
	SizeBytes  int64
	ModTime    time.Time

	Integrity   string
	UndatedFlag bool
	DateSource  string
	Date        time.Time // zero means no recovered date

	Sig         string // size:fasthash(head):fasthash(tail)
	FullHash    string // set only for signature-collision group members
	DuplicateOf string // keeper's source path; empty for keepers/uniques
	DestPath    string

	MIME       string
	GuessedExt string
	TypeLabel  string // uppercase ext label for Family "Other"

	// Image extension fields.
	ImgKind      string // "", "normal", "ui-cache", "screenshot", "preview"
	EXIFMake     string
	EXIFModel    string
	EXIFSoftware string
	PxW, PxH     int
	IPhone       bool

	// PDF extension fields.
	PDFKind       string // "Digital" or "Scans"
	PDFVersion    string
	PDFEncrypted  string
	PDFLinearized string
	PDFError      string
	OCRApplied    bool

	// Office / video extension fields.
	OfficeError      string
	VideoDuration    string
	VideoRepaired    bool
	VideoErrorSource string
}

// HasDate reports whether a resolved instant is available for binning.
func (r *Record) HasDate() bool { return !r.Date.IsZero() }

// OK reports whether the record passed integrity checks.
func (r *Record) OK() bool { return r.Integrity == IntegrityOK }
