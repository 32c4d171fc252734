package classify

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/ferebee/beachcomb/internal/tools"
)

// PDFTryRepair attempts a qpdf structural repair of src into dest.
func PDFTryRepair(ctx context.Context, src, dest string) bool {
	if !tools.Have("qpdf") {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false
	}
	rc, _, _ := tools.Run(ctx, 2*time.Minute, "qpdf",
		"--repair", "--object-streams=preserve", src, dest)
	if rc != 0 {
		return false
	}
	_, err := os.Stat(dest)
	return err == nil
}

// FFmpegRewrap remuxes a damaged video container into dest without
// re-encoding.
func FFmpegRewrap(ctx context.Context, src, dest string) bool {
	if !tools.Have("ffmpeg") {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false
	}
	rc, _, _ := tools.Run(ctx, 15*time.Minute, "ffmpeg",
		"-v", "error", "-y", "-i", src, "-map", "0", "-c", "copy",
		"-movflags", "+faststart", dest)
	if rc != 0 {
		return false
	}
	_, err := os.Stat(dest)
	return err == nil
}

// OCRPDF runs ocrmypdf over src, writing the searchable result to dest via
// a temp file so a failed run never clobbers an existing copy.
func OCRPDF(ctx context.Context, src, dest, lang string) bool {
	if !tools.Have("ocrmypdf") {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false
	}
	tmp := dest + ".ocr.tmp.pdf"
	rc, _, _ := tools.Run(ctx, time.Hour, "ocrmypdf",
		"--skip-text", "--optimize", "1", "--fast-web-view", "1",
		"--language", lang, src, tmp)
	if rc != 0 {
		os.Remove(tmp)
		return false
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return false
	}
	return true
}
