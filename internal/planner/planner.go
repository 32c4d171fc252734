// Package planner orchestrates a recovery run: discovery, parallel
// classification, duplicate detection, bucket planning, destination
// assignment, the manifest, and the optional commit stage. Each phase runs
// to completion before the next begins, so intra-phase workers only need
// to synchronize appends.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ferebee/beachcomb/internal/assign"
	"github.com/ferebee/beachcomb/internal/binplan"
	"github.com/ferebee/beachcomb/internal/classify"
	"github.com/ferebee/beachcomb/internal/daemon"
	"github.com/ferebee/beachcomb/internal/daterec"
	"github.com/ferebee/beachcomb/internal/dedup"
	"github.com/ferebee/beachcomb/internal/manifest"
	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/report"
	"github.com/ferebee/beachcomb/internal/sse"
)

// OCR policies for the commit stage.
const (
	OCROff   = "off"
	OCRScans = "scans"
	OCRAll   = "all"
)

// Config is the full set of knobs for one run.
type Config struct {
	Source string
	Dest   string

	// UndatedCutoff marks modification times as suspicious: a file whose
	// mtime is after the cutoff carries no trustworthy filesystem date,
	// and only then is metadata date recovery attempted.
	UndatedCutoff time.Time

	Mode      string // classify.ModeLight or classify.ModeHeavy
	Workers   int
	MaxPerBin int

	PromoteThreshold      int
	PromoteMakeThreshold  int
	PromoteModelThreshold int
	ImageCfg              classify.ImageConfig

	Rename string // assign.RenameNone, RenameAll, RenamePhotorec

	DryRun bool
	Commit bool
	Move   bool

	PDFRepair     bool
	PDFOCR        string // OCROff, OCRScans, OCRAll
	PDFOCRLang    string
	PDFOCRWorkers int
	OfficeDeep    bool
	VideoRepair   bool
	VideoSmoke    bool

	// FollowSettle, when positive, keeps discovery open after the initial
	// walk and accepts files a still-running carver drops into the source
	// tree, until no new file has appeared for this long.
	FollowSettle time.Duration

	ManifestPath string
}

// Planner runs the pipeline. Construct with New, run once.
type Planner struct {
	cfg    Config
	et     *daemon.ExifTool
	logger *slog.Logger
	broker *sse.Broker      // optional
	store  manifest.RunLog  // optional

	mu       sync.Mutex
	recs     []*record.Record
	failures []Failure
}

// Failure is one file whose classification failed outright. The run
// fail-opens: a minimal fallback record is still emitted.
type Failure struct {
	Path string
	Err  error
}

// Option configures optional planner collaborators.
type Option func(*Planner)

// WithLogger sets the run logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) { p.logger = l }
}

// WithBroker streams phase and progress events to review clients.
func WithBroker(b *sse.Broker) Option {
	return func(p *Planner) { p.broker = b }
}

// WithStore persists the run into the audit database.
func WithStore(s manifest.RunLog) Option {
	return func(p *Planner) { p.store = s }
}

// New creates a planner. et is the shared metadata daemon; it may be nil,
// which degrades every metadata-dependent feature to its fallback.
func New(cfg Config, et *daemon.ExifTool, opts ...Option) *Planner {
	if cfg.Mode == "" {
		cfg.Mode = classify.ModeLight
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.PDFOCR == "" {
		cfg.PDFOCR = OCROff
	}
	if cfg.PDFOCRWorkers < 1 {
		cfg.PDFOCRWorkers = 2
	}
	if cfg.ImageCfg.PreviewShortSide == 0 {
		cfg.ImageCfg = classify.DefaultImageConfig()
	}
	def := binplan.DefaultOptions()
	if cfg.MaxPerBin < 1 {
		cfg.MaxPerBin = def.MaxPerBin
	}
	if cfg.PromoteThreshold < 1 {
		cfg.PromoteThreshold = def.PromoteThreshold
	}
	if cfg.PromoteMakeThreshold < 1 {
		cfg.PromoteMakeThreshold = def.PromoteMakeThreshold
	}
	if cfg.PromoteModelThreshold < 1 {
		cfg.PromoteModelThreshold = def.PromoteModelThreshold
	}
	p := &Planner{cfg: cfg, et: et}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Records returns the final record set. Valid after Run returns.
func (p *Planner) Records() []*record.Record {
	return p.recs
}

// Failures returns the per-file classification failures of the run.
func (p *Planner) Failures() []Failure {
	return p.failures
}

func (p *Planner) phase(name, status string) {
	p.logger.Info("phase "+status, slog.String("phase", name))
	if p.broker != nil {
		p.broker.PublishPhase(name, status)
	}
}

func (p *Planner) progress(phaseName string, done, total int) {
	if p.broker != nil {
		p.broker.PublishProgress(phaseName, done, total)
	}
}

// Run executes the whole pipeline and returns the run summary. Individual
// file failures never abort the run; the manifest reflects whatever was
// successfully planned.
func (p *Planner) Run(ctx context.Context) (report.Summary, error) {
	runID := uuid.NewString()
	started := time.Now()
	p.logger.Info("run starting",
		slog.String("run_id", runID),
		slog.String("source", p.cfg.Source),
		slog.String("dest", p.cfg.Dest),
		slog.String("mode", p.cfg.Mode))

	p.phase("discover", "started")
	files, err := p.discover(ctx)
	if err != nil {
		return report.Summary{}, fmt.Errorf("planner: discover: %w", err)
	}
	p.logger.Info("discovery finished", slog.Int("files", len(files)))
	p.phase("discover", "finished")

	p.phase("classify", "started")
	p.classifyAll(ctx, files)
	p.phase("classify", "finished")

	// Record order must not depend on worker scheduling: downstream keeper
	// selection and bucket population tiebreak on index order.
	sort.Slice(p.recs, func(i, j int) bool {
		return p.recs[i].SourcePath < p.recs[j].SourcePath
	})

	p.phase("dedup", "started")
	dedup.Apply(ctx, p.recs, dedup.Options{
		Workers: p.cfg.Workers,
		UseB3:   p.cfg.Mode == classify.ModeHeavy,
		Logger:  p.logger,
	})
	p.phase("dedup", "finished")

	p.phase("binplan", "started")
	buckets := binplan.Plan(p.recs, binplan.Options{
		MaxPerBin:             p.cfg.MaxPerBin,
		PromoteThreshold:      p.cfg.PromoteThreshold,
		PromoteMakeThreshold:  p.cfg.PromoteMakeThreshold,
		PromoteModelThreshold: p.cfg.PromoteModelThreshold,
	})
	p.phase("binplan", "finished")

	p.phase("assign", "started")
	assign.Apply(p.recs, buckets, assign.Options{
		DestRoot: p.cfg.Dest,
		Rename:   p.cfg.Rename,
		ET:       p.et,
	})
	p.phase("assign", "finished")

	if p.cfg.ManifestPath != "" {
		if err := manifest.WriteCSV(p.cfg.ManifestPath, p.recs); err != nil {
			p.logger.Error("manifest write failed", slog.String("error", err.Error()))
		}
	}

	if p.cfg.Commit && !p.cfg.DryRun {
		p.phase("commit", "started")
		p.commit(ctx)
		p.phase("commit", "finished")
	}

	summary := report.Summarize(p.recs, len(p.failures))
	summary.RunID = runID
	summary.Source = p.cfg.Source
	summary.Dest = p.cfg.Dest
	summary.Mode = p.cfg.Mode
	summary.StartedAt = started
	summary.Elapsed = time.Since(started)

	if p.store != nil {
		run := manifest.Run{
			ID:         runID,
			StartedAt:  started,
			FinishedAt: time.Now(),
			Source:     p.cfg.Source,
			Dest:       p.cfg.Dest,
			Mode:       p.cfg.Mode,
			Total:      summary.Total,
			Planned:    summary.ToRecover,
			Duplicates: summary.Duplicates,
			Damaged:    summary.Damaged,
		}
		if err := p.store.SaveRun(run, p.recs); err != nil {
			p.logger.Error("audit store save failed", slog.String("error", err.Error()))
		}
	}

	p.logger.Info("run finished",
		slog.String("run_id", runID),
		slog.Int("total", summary.Total),
		slog.Int("to_recover", summary.ToRecover),
		slog.Int("duplicates", summary.Duplicates),
		slog.Int("damaged", summary.Damaged),
		slog.Int("failures", summary.Failures),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// classifyAll processes every discovered file on a bounded worker pool.
// Failures are fail-open: logged, counted, and replaced with a minimal
// unknown-integrity record so copying can still proceed.
func (p *Planner) classifyAll(ctx context.Context, files []string) {
	var done int
	total := len(files)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, path := range files {
		path := path
		g.Go(func() error {
			rec, err := p.processFile(gCtx, path)
			p.mu.Lock()
			if err != nil {
				p.failures = append(p.failures, Failure{Path: path, Err: err})
				p.recs = append(p.recs, fallbackRecord(path))
			} else {
				p.recs = append(p.recs, rec)
			}
			done++
			n := done
			p.mu.Unlock()
			if err != nil {
				p.logger.Warn("classification failed",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
			p.progress("classify", n, total)
			return nil
		})
	}
	_ = g.Wait()
}

// fallbackRecord is the minimal record emitted for a file whose analysis
// failed; it routes to the damaged tree at commit.
func fallbackRecord(path string) *record.Record {
	rec := &record.Record{
		SourcePath: path,
		Family:     "Other",
		Subtype:    "Unknown",
		Integrity:  record.IntegrityUnknown,
	}
	if info, err := statFile(path); err == nil {
		rec.SizeBytes = info.size
		rec.ModTime = info.mtime
	}
	return rec
}

// processFile builds the full record for one file: detection, integrity,
// gated date recovery, family extension fields, and the dedup signature.
func (p *Planner) processFile(ctx context.Context, path string) (*record.Record, error) {
	info, err := statFile(path)
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	family, subtype, mime := classify.Detect(ctx, path, p.cfg.Mode)
	integrity, extras := classify.Integrity(ctx, path, family, subtype, classify.IntegrityOptions{
		Mode:       p.cfg.Mode,
		OfficeDeep: p.cfg.OfficeDeep,
		VideoSmoke: p.cfg.VideoSmoke,
	})
	if subtype == "ZIP" && extras.ArchiveSubtype != "" {
		subtype = extras.ArchiveSubtype
	}

	rec := &record.Record{
		SourcePath:    path,
		Family:        family,
		Subtype:       subtype,
		Ext:           classify.Ext(path),
		SizeBytes:     info.size,
		ModTime:       info.mtime,
		Integrity:     integrity,
		MIME:          mime,
		PDFError:      extras.PDFError,
		OfficeError:   extras.OfficeError,
		VideoDuration: extras.VideoDuration,
	}
	rec.UndatedFlag = info.mtime.After(p.cfg.UndatedCutoff)

	// Metadata date recovery is attempted only for files whose mtime looks
	// suspicious; a plausible old mtime is trusted as-is.
	if rec.UndatedFlag {
		switch family {
		case "Images":
			rec.DateSource, rec.Date = daterec.EXIFDate(p.et, path)
		case "Video":
			src, when, dur := daterec.BestVideoDate(ctx, p.et, path)
			rec.DateSource, rec.Date = src, when
			if rec.VideoDuration == "" {
				rec.VideoDuration = dur
			}
		case "PDFs":
			rec.DateSource, rec.Date = daterec.PDFInfoDates(ctx, path)
		}
	}

	switch family {
	case "PDFs":
		kind := classify.PDFKind(ctx, path)
		rec.PDFKind = kind
		rec.Subtype = kind
		rec.PDFVersion, rec.PDFEncrypted, rec.PDFLinearized = classify.PDFInfoMeta(ctx, path)
	case "Images":
		rec.PxW, rec.PxH = classify.Dimensions(ctx, p.et, path)
		if p.et != nil && p.et.Available() {
			rec.EXIFMake, rec.EXIFModel, rec.EXIFSoftware = classify.EXIFMakeModel(p.et, path)
		}
		if classify.IsIPhone(rec.EXIFMake, rec.EXIFModel) && (rec.Subtype == "JPG" || rec.Subtype == "HEIC") {
			rec.IPhone = true
			rec.Subtype = "iPhone-" + rec.Subtype
		}
		hasAlpha := false
		if rec.Ext == "png" {
			hasAlpha = classify.PNGHasAlpha(ctx, p.et, path)
		}
		rec.ImgKind = classify.ImageKind(rec.Ext, rec.PxW, rec.PxH, rec.SizeBytes,
			hasAlpha, rec.EXIFMake, rec.EXIFModel, p.cfg.ImageCfg)
	}

	if p.cfg.Mode == classify.ModeHeavy {
		rec.GuessedExt = classify.ExtFromMIME(mime)
	}
	if family == "Other" {
		switch {
		case rec.GuessedExt != "":
			rec.TypeLabel = upper(rec.GuessedExt)
		case rec.Ext != "":
			rec.TypeLabel = upper(rec.Ext)
		case subtype != "":
			rec.TypeLabel = subtype
		default:
			rec.TypeLabel = "UNKNOWN"
		}
	}

	sig, err := dedup.Signature(path, dedup.BlockSize(p.cfg.Mode))
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	rec.Sig = sig
	return rec, nil
}
