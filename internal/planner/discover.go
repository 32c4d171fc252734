package planner

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fileInfo struct {
	size  int64
	mtime time.Time
}

func statFile(path string) (fileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileInfo{}, err
	}
	return fileInfo{size: info.Size(), mtime: info.ModTime()}, nil
}

func upper(s string) string { return strings.ToUpper(s) }

// discover walks the source tree collecting regular files. With
// FollowSettle set it then keeps watching: carvers write output over many
// minutes, and discovery only closes once no new file has appeared for the
// settle interval.
func (p *Planner) discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	walk := func() error {
		return filepath.WalkDir(p.cfg.Source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				p.logger.Warn("discovery: walk error",
					slog.String("path", path),
					slog.String("error", err.Error()))
				return nil
			}
			if d.IsDir() {
				name := d.Name()
				if name == ".git" || name == ".Trash" {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || seen[path] {
				return nil
			}
			seen[path] = true
			files = append(files, path)
			return nil
		})
	}

	if err := walk(); err != nil {
		return nil, err
	}
	if p.cfg.FollowSettle <= 0 {
		return files, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	defer w.Close()
	if err := addDirsRecursive(w, p.cfg.Source); err != nil {
		return nil, err
	}

	p.logger.Info("discovery: following source",
		slog.Duration("settle", p.cfg.FollowSettle))

	settle := time.NewTimer(p.cfg.FollowSettle)
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return files, ctx.Err()

		case <-settle.C:
			return files, nil

		case ev, ok := <-w.Events:
			if !ok {
				return files, nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			info, statErr := os.Stat(ev.Name)
			if statErr != nil {
				continue
			}
			if info.IsDir() {
				if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
					p.logger.Warn("discovery: watch new dir failed",
						slog.String("path", ev.Name),
						slog.String("error", addErr.Error()))
				}
				// Pick up files that landed before the watch was in place.
				if err := walk(); err != nil {
					p.logger.Warn("discovery: rescan failed", slog.String("error", err.Error()))
				}
				settle.Reset(p.cfg.FollowSettle)
				continue
			}
			if !info.Mode().IsRegular() || seen[ev.Name] {
				continue
			}
			seen[ev.Name] = true
			files = append(files, ev.Name)
			settle.Reset(p.cfg.FollowSettle)

		case err, ok := <-w.Errors:
			if !ok {
				return files, nil
			}
			p.logger.Warn("discovery: watcher error", slog.String("error", err.Error()))
		}
	}
}

// addDirsRecursive adds root and all nested directories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				return addErr
			}
		}
		return nil
	})
}
