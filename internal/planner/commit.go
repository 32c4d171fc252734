package planner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferebee/beachcomb/internal/classify"
	"github.com/ferebee/beachcomb/internal/record"
)

// damagedDest routes a failed record under dest/damaged/<family>/<subtype>.
func (p *Planner) damagedDest(r *record.Record) string {
	return filepath.Join(p.cfg.Dest, "damaged", r.Family, r.Subtype,
		filepath.Base(r.SourcePath))
}

// commit materializes the plan: repairs, copies or moves every non-duplicate
// record, runs the OCR stage, and stamps recovered timestamps onto the
// output files.
func (p *Planner) commit(ctx context.Context) {
	// Target directories first, damaged routing included.
	for _, r := range p.recs {
		dest := r.DestPath
		if !r.OK() {
			dest = p.damagedDest(r)
		}
		if dest == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			p.logger.Warn("commit: mkdir failed",
				slog.String("dir", filepath.Dir(dest)),
				slog.String("error", err.Error()))
		}
	}

	p.repairPDFs(ctx)
	p.rewrapVideos(ctx)

	// Main copy pass. OCR candidates are deferred so ocrmypdf writes the
	// output file itself.
	for _, r := range p.recs {
		if r.DuplicateOf != "" {
			continue
		}
		if !r.OK() {
			p.copyOrMove(r.SourcePath, p.damagedDest(r))
			continue
		}
		if r.DestPath == "" {
			continue
		}
		if p.isOCRCandidate(r) {
			continue
		}
		p.copyOrMove(r.SourcePath, r.DestPath)
	}

	p.ocrStage(ctx)
	p.stampTimes()
}

// repairPDFs attempts a structural repair of damaged PDFs in heavy mode,
// re-validating the result before accepting it.
func (p *Planner) repairPDFs(ctx context.Context) {
	if !p.cfg.PDFRepair || p.cfg.Mode != classify.ModeHeavy {
		return
	}
	for _, r := range p.recs {
		if r.Family != "PDFs" || r.OK() {
			continue
		}
		target := r.DestPath
		if target == "" {
			target = filepath.Join(p.cfg.Dest, "PDFs", "_repaired", filepath.Base(r.SourcePath))
		}
		if !classify.PDFTryRepair(ctx, r.SourcePath, target) {
			continue
		}
		integ, _ := classify.Integrity(ctx, target, "PDFs", r.PDFKind, classify.IntegrityOptions{
			Mode:       p.cfg.Mode,
			OfficeDeep: p.cfg.OfficeDeep,
			VideoSmoke: p.cfg.VideoSmoke,
		})
		if integ == record.IntegrityOK {
			p.logger.Info("commit: pdf repaired", slog.String("path", r.SourcePath))
			r.Integrity = record.IntegrityOK
			r.DestPath = target
		}
	}
}

// rewrapVideos remuxes damaged videos into a fresh container when enabled,
// keeping the original failure tag for the manifest.
func (p *Planner) rewrapVideos(ctx context.Context) {
	if !p.cfg.VideoRepair {
		return
	}
	for _, r := range p.recs {
		if r.Family != "Video" || r.OK() {
			continue
		}
		name := filepath.Base(r.SourcePath)
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".mp4"
		target := r.DestPath
		if target == "" {
			target = filepath.Join(p.cfg.Dest, "Video", "_repaired", name)
		}
		if !classify.FFmpegRewrap(ctx, r.SourcePath, target) {
			continue
		}
		integ, _ := classify.Integrity(ctx, target, "Video", r.Subtype, classify.IntegrityOptions{
			Mode:       p.cfg.Mode,
			VideoSmoke: p.cfg.VideoSmoke,
		})
		if integ == record.IntegrityOK {
			p.logger.Info("commit: video rewrapped", slog.String("path", r.SourcePath))
			r.VideoErrorSource = r.Integrity
			r.Integrity = record.IntegrityOK
			r.DestPath = target
			r.VideoRepaired = true
		}
	}
}

func (p *Planner) isOCRCandidate(r *record.Record) bool {
	if p.cfg.PDFOCR == OCROff || r.Family != "PDFs" {
		return false
	}
	if !r.OK() || r.DuplicateOf != "" || r.DestPath == "" {
		return false
	}
	return p.cfg.PDFOCR == OCRAll || (p.cfg.PDFOCR == OCRScans && r.PDFKind == "Scans")
}

// ocrStage runs ocrmypdf over candidate PDFs on its own bounded pool. A
// failed OCR falls back to a plain copy so no file is lost.
func (p *Planner) ocrStage(ctx context.Context) {
	var candidates []*record.Record
	for _, r := range p.recs {
		if p.isOCRCandidate(r) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return
	}
	p.logger.Info("commit: ocr stage",
		slog.Int("candidates", len(candidates)),
		slog.Int("workers", p.cfg.PDFOCRWorkers))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PDFOCRWorkers)
	for _, r := range candidates {
		r := r
		g.Go(func() error {
			if classify.OCRPDF(gCtx, r.SourcePath, r.DestPath, p.cfg.PDFOCRLang) {
				r.OCRApplied = true
			} else {
				p.copyOrMove(r.SourcePath, r.DestPath)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// stampTimes sets the output files' filesystem timestamps to the recovered
// date, via the daemon when available and os.Chtimes otherwise.
func (p *Planner) stampTimes() {
	for _, r := range p.recs {
		if r.DestPath == "" || !r.HasDate() {
			continue
		}
		if _, err := os.Stat(r.DestPath); err != nil {
			continue
		}
		if p.et != nil && p.et.Available() {
			val := r.Date.Format("2006:01:02 15:04:05")
			res := p.et.Call([]string{
				"-overwrite_original",
				"-FileModifyDate=" + val,
				"-FileCreateDate=" + val,
				r.DestPath,
			}, 20*time.Second)
			if !res.Failed() {
				continue
			}
		}
		if err := os.Chtimes(r.DestPath, r.Date, r.Date); err != nil {
			p.logger.Warn("commit: set times failed",
				slog.String("path", r.DestPath),
				slog.String("error", err.Error()))
		}
	}
}

// copyOrMove places src at dest, never overwriting an existing file.
func (p *Planner) copyOrMove(src, dest string) {
	if _, err := os.Lstat(dest); err == nil {
		return
	}
	var err error
	if p.cfg.Move {
		err = moveFile(src, dest)
	} else {
		err = copyFile(src, dest)
	}
	if err != nil {
		p.logger.Warn("commit: place failed",
			slog.String("src", src),
			slog.String("dest", dest),
			slog.String("error", err.Error()))
	}
}

// moveFile renames, falling back to copy-and-remove across filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}
