// Package daemon provides serialized access to one long-lived exiftool
// -stay_open subprocess so many concurrent callers can issue independent
// metadata queries over a single request/response stream.
//
// One background goroutine owns the subprocess pipes. Requests are fed
// through a bounded channel; each request is written as a line-oriented
// argument stream terminated by a unique correlation marker, and the worker
// reads output lines until that marker reappears. On timeout, EOF or pipe
// error the subprocess is killed and respawned and only the affected call
// fails; the next request is served by a fresh process.
package daemon

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Status classifies the outcome of a single daemon call.
type Status int

const (
	// StatusOK means the call completed and Stdout holds the response.
	StatusOK Status = iota
	// StatusError means the tool answered but reported an error.
	StatusError
	// StatusTimeout means the marker did not appear within the deadline;
	// the subprocess was restarted.
	StatusTimeout
	// StatusEOF means the subprocess closed its output stream mid-call.
	StatusEOF
	// StatusPipe means writing the request failed.
	StatusPipe
	// StatusNotFound means the external tool is not installed. This is a
	// permanent, cached condition.
	StatusNotFound
	// StatusStopped means the daemon was shut down before the call completed.
	StatusStopped
)

// String returns the short tag used in logs and diagnostics.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	case StatusEOF:
		return "eof"
	case StatusPipe:
		return "pipe-error"
	case StatusNotFound:
		return "not-found"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is the outcome of one Call.
type Result struct {
	Status Status
	Stdout string
	Diag   string
}

// Failed reports whether the caller should treat metadata as unavailable.
func (r Result) Failed() bool { return r.Status != StatusOK }

const readyPrefix = "{ready} "

// defaultCommonArgs mirror the flags every request shares: quiet, numeric
// values, simple one-tag-per-line output, UTF-8 filenames.
var defaultCommonArgs = []string{
	"-q", "-q",
	"-n",
	"-S",
	"-charset", "filename=UTF8",
	"-charset", "exiftool=UTF8",
}

// Options configures an ExifTool daemon.
type Options struct {
	// Command is the executable to spawn. Defaults to "exiftool".
	Command string
	// CommonArgs are passed via -common_args at spawn. Defaults to
	// defaultCommonArgs. Set to a non-nil empty slice to disable.
	CommonArgs []string
	// QueueSize bounds the pending request channel. Defaults to 256.
	QueueSize int
	// Logger receives debug/warn events. Defaults to slog.Default().
	Logger *slog.Logger
}

type request struct {
	args    []string
	timeout time.Duration
	id      uint64
	done    chan struct{}
	result  Result
}

func (r *request) finish(res Result) {
	r.result = res
	close(r.done)
}

// ExifTool is a handle to the daemon. Construct with New, share by
// reference, and Close when the run is over.
type ExifTool struct {
	opts   Options
	logger *slog.Logger

	reqs chan *request
	quit chan struct{}
	done chan struct{}

	mu     sync.Mutex
	closed bool
	nextID uint64

	lookOnce sync.Once
	exe      string

	// Worker-owned subprocess state. Only the worker goroutine touches
	// these after New returns.
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	stop  chan struct{}
}

// New starts the daemon's worker goroutine. The subprocess itself is
// spawned lazily on the first call.
func New(opts Options) *ExifTool {
	if opts.Command == "" {
		opts.Command = "exiftool"
	}
	if opts.CommonArgs == nil {
		opts.CommonArgs = defaultCommonArgs
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &ExifTool{
		opts:   opts,
		logger: logger,
		reqs:   make(chan *request, opts.QueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go d.worker()
	return d
}

// Available reports whether the external tool exists. The lookup happens
// once and is cached, so a missing tool does not trigger repeated spawn
// attempts.
func (d *ExifTool) Available() bool {
	d.lookOnce.Do(func() {
		exe, err := exec.LookPath(d.opts.Command)
		if err != nil {
			d.logger.Debug("daemon: tool not found", slog.String("command", d.opts.Command))
			return
		}
		d.exe = exe
	})
	return d.exe != ""
}

// Call runs one request against the shared subprocess and blocks until it
// completes, fails or times out. Calls from concurrent goroutines are
// totally ordered with respect to the subprocess. Pass only tool options
// and paths, not the program name.
func (d *ExifTool) Call(args []string, timeout time.Duration) Result {
	if !d.Available() {
		return Result{Status: StatusNotFound, Diag: d.opts.Command + " not found in PATH"}
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return Result{Status: StatusStopped, Diag: "daemon stopped"}
	}
	d.nextID++
	req := &request{
		args:    args,
		timeout: timeout,
		id:      d.nextID,
		done:    make(chan struct{}),
	}
	d.mu.Unlock()

	select {
	case d.reqs <- req:
	case <-d.quit:
		return Result{Status: StatusStopped, Diag: "daemon stopped"}
	}

	<-req.done
	return req.result
}

// Close terminates the subprocess and stops the worker. Pending requests
// fail with StatusStopped. Close is idempotent.
func (d *ExifTool) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.quit)
	<-d.done
}

// ---------------------------------------------------------------- worker

func (d *ExifTool) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			d.kill(true)
			d.failPending()
			return
		case req := <-d.reqs:
			req.finish(d.serve(req))
		}
	}
}

// failPending drains requests that were queued before shutdown.
func (d *ExifTool) failPending() {
	for {
		select {
		case req := <-d.reqs:
			req.finish(Result{Status: StatusStopped, Diag: "daemon stopped"})
		default:
			return
		}
	}
}

func (d *ExifTool) serve(req *request) Result {
	if d.cmd == nil {
		if err := d.spawn(); err != nil {
			return Result{Status: StatusPipe, Diag: fmt.Sprintf("spawn: %v", err)}
		}
	}

	marker := readyPrefix + fmt.Sprint(req.id)

	var b strings.Builder
	for _, a := range req.args {
		// Each argument must be its own line in the -@ stream.
		a = strings.ReplaceAll(strings.ReplaceAll(a, "\r", " "), "\n", " ")
		b.WriteString(a)
		b.WriteByte('\n')
	}
	b.WriteString("-echo3\n")
	b.WriteString(marker + "\n")
	fmt.Fprintf(&b, "-execute%d\n", req.id)

	if _, err := io.WriteString(d.stdin, b.String()); err != nil {
		d.logger.Warn("daemon: write failed, restarting",
			slog.Uint64("request", req.id), slog.String("error", err.Error()))
		d.restart()
		return Result{Status: StatusPipe, Diag: err.Error()}
	}

	timer := time.NewTimer(req.timeout)
	defer timer.Stop()

	var out []string
	for {
		select {
		case <-timer.C:
			d.logger.Warn("daemon: request timed out, restarting",
				slog.Uint64("request", req.id), slog.Duration("timeout", req.timeout))
			d.restart()
			return Result{Status: StatusTimeout, Diag: "timeout"}

		case line, ok := <-d.lines:
			if !ok {
				d.logger.Warn("daemon: output stream closed, restarting",
					slog.Uint64("request", req.id))
				d.restart()
				return Result{Status: StatusEOF, Diag: "eof"}
			}
			if line == marker {
				text := strings.TrimSpace(strings.Join(out, "\n"))
				status := StatusOK
				// exiftool reports no exit status per command; error lines
				// are the only signal.
				for _, l := range out {
					if strings.HasPrefix(strings.ToLower(l), "error") {
						status = StatusError
						break
					}
				}
				return Result{Status: status, Stdout: text}
			}
			out = append(out, line)
		}
	}
}

func (d *ExifTool) spawn() error {
	args := []string{"-stay_open", "True", "-@", "-"}
	if len(d.opts.CommonArgs) > 0 {
		args = append(args, "-common_args")
		args = append(args, d.opts.CommonArgs...)
	}
	cmd := exec.Command(d.exe, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("daemon: stdin pipe: %w", err)
	}

	// Merge stderr into stdout: -echo3 markers arrive on stderr, and a
	// single stream keeps the marker drain deterministic.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("daemon: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return fmt.Errorf("daemon: start %s: %w", d.opts.Command, err)
	}
	pw.Close()

	d.cmd = cmd
	d.stdin = stdin
	d.lines = make(chan string, 64)
	d.stop = make(chan struct{})

	go readLines(pr, d.lines, d.stop)

	d.logger.Debug("daemon: spawned",
		slog.String("command", d.opts.Command), slog.Int("pid", cmd.Process.Pid))
	return nil
}

// readLines feeds subprocess output lines to out until EOF or stop.
func readLines(r io.ReadCloser, out chan<- string, stop <-chan struct{}) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	// Tag dumps for large files can run long; raise the line cap well past
	// the bufio default.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		select {
		case out <- strings.TrimRight(sc.Text(), "\r"):
		case <-stop:
			return
		}
	}
	close(out)
}

func (d *ExifTool) kill(graceful bool) {
	if d.cmd == nil {
		return
	}
	if graceful {
		// Ask -stay_open processes to exit cleanly before the kill.
		_, _ = io.WriteString(d.stdin, "-stay_open\nFalse\n")
	}
	close(d.stop)
	d.stdin.Close()
	_ = d.cmd.Process.Kill()
	_ = d.cmd.Wait()
	d.logger.Debug("daemon: killed", slog.Int("pid", d.cmd.Process.Pid))
	d.cmd = nil
	d.stdin = nil
	d.lines = nil
	d.stop = nil
}

// restart tears the subprocess down after a protocol failure. The next
// request spawns a fresh process; no request ever observes the faulted
// state.
func (d *ExifTool) restart() {
	d.kill(false)
	if err := d.spawn(); err != nil {
		d.logger.Warn("daemon: respawn failed", slog.String("error", err.Error()))
	}
}
