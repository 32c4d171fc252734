// Package tools runs external command-line helpers with per-call timeouts
// and caches PATH lookups. Every external collaborator except the exiftool
// daemon goes through here.
package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"
)

// Exit codes for failure modes that do not come from the tool itself.
const (
	ExitTimeout  = 124
	ExitNotFound = 127
)

var (
	whichMu    sync.Mutex
	whichCache = map[string]string{}
)

// Which returns the resolved path of prog, or "" when it is not installed.
// Lookups are cached for the lifetime of the process.
func Which(prog string) string {
	whichMu.Lock()
	defer whichMu.Unlock()
	if p, ok := whichCache[prog]; ok {
		return p
	}
	p, err := exec.LookPath(prog)
	if err != nil {
		p = ""
	}
	whichCache[prog] = p
	return p
}

// Have reports whether prog is installed.
func Have(prog string) bool {
	return Which(prog) != ""
}

// Run executes prog with args and returns its exit code, stdout and stderr.
// The call is bounded by timeout; on expiry the process is killed and the
// exit code is ExitTimeout. A missing executable yields ExitNotFound.
// Run never returns an error for a nonzero tool exit; callers branch on rc.
func Run(ctx context.Context, timeout time.Duration, prog string, args ...string) (int, string, string) {
	exe := Which(prog)
	if exe == "" {
		return ExitNotFound, "", prog + ": not found"
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, exe, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ExitTimeout, stdout.String(), "timeout"
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), stdout.String(), stderr.String()
		}
		return 1, stdout.String(), stderr.String()
	}
	return 0, stdout.String(), stderr.String()
}
