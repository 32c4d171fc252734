// Package testutil provides shared test helpers for setting up source trees
// and audit databases.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferebee/beachcomb/internal/manifest"
)

// TestStore creates a temporary audit database that is automatically
// cleaned up.
func TestStore(t *testing.T) *manifest.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "beachcomb-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	s, err := manifest.OpenStore(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// WriteFile creates a file under dir with the given content and, when mtime
// is non-zero, the given modification time.
func WriteFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	return path
}
