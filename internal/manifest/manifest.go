// Package manifest persists the outcome of a run: a CSV audit trail with
// one row per record, and a SQLite store keeping run history across
// invocations.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ferebee/beachcomb/internal/record"
)

// timeLayout is the local-time format used for manifest timestamps.
const timeLayout = "2006-01-02T15:04:05"

// Fields is the manifest column order. Reporting tooling indexes into
// these by name, so the order is append-only.
var Fields = []string{
	"source_path", "dest_path", "family", "subtype", "ext", "size_bytes",
	"mtime_local", "integrity", "undated_flag", "date_source", "date_local",
	"sig", "fullhash", "duplicate_of", "pdf_kind", "iphone", "mime",
	"guessed_ext", "type_label", "img_kind", "exif_make", "exif_model",
	"exif_software", "px_w", "px_h", "pdf_version", "pdf_encrypted",
	"pdf_linearized", "pdf_error", "pdf_ocr_applied", "office_error",
	"video_duration", "video_repaired", "video_error_source",
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func instant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timeLayout)
}

// Row serializes one record in Fields order.
func Row(r *record.Record) []string {
	return []string{
		r.SourcePath,
		r.DestPath,
		r.Family,
		r.Subtype,
		r.Ext,
		strconv.FormatInt(r.SizeBytes, 10),
		instant(r.ModTime),
		r.Integrity,
		flag(r.UndatedFlag),
		r.DateSource,
		instant(r.Date),
		r.Sig,
		r.FullHash,
		r.DuplicateOf,
		r.PDFKind,
		flag(r.IPhone),
		r.MIME,
		r.GuessedExt,
		r.TypeLabel,
		r.ImgKind,
		r.EXIFMake,
		r.EXIFModel,
		r.EXIFSoftware,
		strconv.Itoa(r.PxW),
		strconv.Itoa(r.PxH),
		r.PDFVersion,
		r.PDFEncrypted,
		r.PDFLinearized,
		r.PDFError,
		flag(r.OCRApplied),
		r.OfficeError,
		r.VideoDuration,
		flag(r.VideoRepaired),
		r.VideoErrorSource,
	}
}

// Write streams the manifest, header first, to w.
func Write(w io.Writer, recs []*record.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Fields); err != nil {
		return fmt.Errorf("manifest: write header: %w", err)
	}
	for _, r := range recs {
		if err := cw.Write(Row(r)); err != nil {
			return fmt.Errorf("manifest: write row %s: %w", r.SourcePath, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("manifest: flush: %w", err)
	}
	return nil
}

// WriteCSV writes every record, one row each, to path. The file is written
// once per run, after all phases have finished, so it reflects whatever was
// successfully planned even when individual files failed.
func WriteCSV(path string, recs []*record.Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("manifest: create dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", path, err)
	}
	defer f.Close()

	if err := Write(f, recs); err != nil {
		return err
	}
	return f.Close()
}
