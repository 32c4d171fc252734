package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ferebee/beachcomb/internal"
	pkgconfig "github.com/ferebee/beachcomb/pkg/config"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultConfig()

	if configPath := cmd.String("config"); configPath != "" {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) || cmd.IsSet("config") {
				return fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// Flags override the config file.
	if cmd.IsSet("source") {
		cfg.Scan.Source = cmd.String("source")
	}
	if cmd.IsSet("dest") {
		cfg.Scan.Dest = cmd.String("dest")
	}
	if cmd.IsSet("mode") {
		cfg.Scan.Mode = cmd.String("mode")
	}
	if cmd.IsSet("workers") {
		cfg.Scan.Workers = int(cmd.Int("workers"))
	}
	if cmd.IsSet("undated-cutoff") {
		cfg.Scan.UndatedCutoff = cmd.String("undated-cutoff")
	}
	if cmd.IsSet("follow") {
		cfg.Scan.FollowSettleSec = int(cmd.Int("follow"))
	}
	if cmd.IsSet("max-per-bin") {
		cfg.Plan.MaxPerBin = int(cmd.Int("max-per-bin"))
	}
	if cmd.IsSet("rename") {
		cfg.Output.Rename = cmd.String("rename")
	}
	if cmd.IsSet("manifest") {
		cfg.Output.ManifestPath = cmd.String("manifest")
	}
	if cmd.IsSet("report") {
		cfg.Output.ReportPath = cmd.String("report")
	}
	if cmd.IsSet("commit") {
		cfg.Output.Commit = cmd.Bool("commit")
	}
	if cmd.IsSet("move") {
		cfg.Output.Move = cmd.Bool("move")
	}
	if cmd.IsSet("dry-run") {
		cfg.Output.DryRun = cmd.Bool("dry-run")
	}
	if cmd.IsSet("serve") {
		cfg.Serve.Enabled = cmd.Bool("serve")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "beachcomb",
		Usage:  "Classify, deduplicate and time-sort carved files recovered by forensic tools",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("BEACHCOMB_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "source",
				Aliases: []string{"s"},
				Usage:   "Directory tree of recovered files to scan",
			},
			&cli.StringFlag{
				Name:    "dest",
				Aliases: []string{"d"},
				Usage:   "Destination root for the sorted output",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Validation depth: light or heavy",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Classification worker count",
			},
			&cli.StringFlag{
				Name: "undated-cutoff",
				Usage: "ISO date (YYYY-MM-DD); files with mtime newer than this " +
					"are treated as undated unless embedded metadata supplies a date",
			},
			&cli.IntFlag{
				Name:  "follow",
				Usage: "Keep watching the source until no new file for this many seconds",
			},
			&cli.IntFlag{
				Name:  "max-per-bin",
				Usage: "Maximum files per destination bucket",
			},
			&cli.StringFlag{
				Name:  "rename",
				Usage: "Renaming policy: none, all or photorec",
			},
			&cli.StringFlag{
				Name:  "manifest",
				Usage: "Write the run manifest CSV to this path",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Write the HTML report to this path",
			},
			&cli.BoolFlag{
				Name:  "commit",
				Usage: "Materialize the plan: copy files into the destination",
			},
			&cli.BoolFlag{
				Name:  "move",
				Usage: "Move instead of copy (implies no source retention)",
			},
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Plan and report only, even when commit is configured",
			},
			&cli.BoolFlag{
				Name:  "serve",
				Usage: "Keep a review HTTP server running after the run",
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
