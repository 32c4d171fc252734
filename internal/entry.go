// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ferebee/beachcomb/internal/daemon"
	"github.com/ferebee/beachcomb/internal/manifest"
	"github.com/ferebee/beachcomb/internal/planner"
	"github.com/ferebee/beachcomb/internal/report"
	"github.com/ferebee/beachcomb/internal/server"
	"github.com/ferebee/beachcomb/internal/sse"
)

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	cutoff := cfg.Scan.CutoffTime(time.Now())
	if cfg.Scan.UndatedCutoff == "" {
		logger.Info("undated cutoff not specified, files newer than default are treated as undated",
			slog.Time("cutoff", cutoff))
	}

	logger.Info("Configuration loaded",
		slog.String("source", cfg.Scan.Source),
		slog.String("dest", cfg.Scan.Dest),
		slog.String("mode", cfg.Scan.Mode),
		slog.Int("workers", cfg.Scan.Workers),
		slog.Bool("commit", cfg.Output.Commit),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure destination directory exists.
	if err := os.MkdirAll(cfg.Scan.Dest, 0o755); err != nil {
		return fmt.Errorf("create dest dir: %w", err)
	}

	// Shared metadata daemon. Degrades gracefully when exiftool is missing.
	et := daemon.New(daemon.Options{Logger: logger})
	defer et.Close()
	if !et.Available() {
		logger.Warn("exiftool not found, metadata extraction disabled")
	}

	// Optional run audit database.
	var store manifest.RunLog
	if cfg.SQLite.Path != "" {
		s, err := manifest.OpenStore(cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("init run log: %w", err)
		}
		defer s.Close()
		store = s
	}

	pcfg := plannerConfig(cfg, cutoff)
	popts := []planner.Option{planner.WithLogger(logger)}
	if store != nil {
		popts = append(popts, planner.WithStore(store))
	}

	if !cfg.Serve.Enabled {
		p := planner.New(pcfg, et, popts...)
		summary, err := p.Run(ctx)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		return emitReports(cfg, logger, summary)
	}

	// Serve mode: run the pipeline once, then keep the review server up
	// until a shutdown signal.
	broker := sse.NewBroker(2 * time.Second)
	popts = append(popts, planner.WithBroker(broker))
	p := planner.New(pcfg, et, popts...)

	handler := server.NewHandler(store)
	router := server.NewRouter(handler, broker, cfg.Auth.AuthEnabled(), cfg.Auth.Token)
	httpServer := &http.Server{
		Addr:    cfg.Serve.Address(),
		Handler: router,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.Serve.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Run the pipeline. The server stays up for review after it finishes.
	g.Go(func() error {
		summary, err := p.Run(gCtx)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		handler.SetRecords(p.Records())
		handler.SetSummary(summary)
		if err := emitReports(cfg, logger, summary); err != nil {
			logger.Warn("report output failed", slog.String("error", err.Error()))
		}
		return nil
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.Serve.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")
		broker.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// plannerConfig maps the file configuration onto one run's knobs.
func plannerConfig(cfg *Config, cutoff time.Time) planner.Config {
	return planner.Config{
		Source:        cfg.Scan.Source,
		Dest:          cfg.Scan.Dest,
		UndatedCutoff: cutoff,
		Mode:          cfg.Scan.Mode,
		Workers:       cfg.Scan.Workers,
		MaxPerBin:     cfg.Plan.MaxPerBin,

		PromoteThreshold:      cfg.Plan.PromoteThreshold,
		PromoteMakeThreshold:  cfg.Plan.PromoteMakeThreshold,
		PromoteModelThreshold: cfg.Plan.PromoteModelThreshold,

		Rename: cfg.Output.Rename,

		DryRun: cfg.Output.DryRun,
		Commit: cfg.Output.Commit,
		Move:   cfg.Output.Move,

		PDFRepair:     cfg.PDF.Repair,
		PDFOCR:        cfg.PDF.OCR,
		PDFOCRLang:    cfg.PDF.OCRLang,
		PDFOCRWorkers: cfg.PDF.OCRWorkers,
		OfficeDeep:    cfg.Office.Deep,
		VideoRepair:   cfg.Video.Repair,
		VideoSmoke:    cfg.Video.Smoke,

		FollowSettle: time.Duration(cfg.Scan.FollowSettleSec) * time.Second,
		ManifestPath: cfg.Output.ManifestPath,
	}
}

// emitReports writes the console summary and, when configured, the HTML report.
func emitReports(cfg *Config, logger *slog.Logger, summary report.Summary) error {
	report.PrintConsole(os.Stdout, summary)
	if cfg.Output.ReportPath == "" {
		return nil
	}
	if err := report.SaveHTML(cfg.Output.ReportPath, summary); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	logger.Info("report written", slog.String("path", cfg.Output.ReportPath))
	return nil
}
