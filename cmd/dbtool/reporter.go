package main

import (
	"fmt"
	"io"
	"sync"

	"directory-backend/pkg/jobs"
)

// consoleReporter prints job progress for the command line
type consoleReporter struct {
	mu    sync.Mutex
	out   io.Writer
	total int
	done  int
}

var _ jobs.Reporter = (*consoleReporter)(nil)

func newConsoleReporter(out io.Writer) *consoleReporter {
	return &consoleReporter{out: out}
}

func (r *consoleReporter) Begin(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	r.done = 0
}

func (r *consoleReporter) Inc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	if r.total > 0 {
		fmt.Fprintf(r.out, "  [%d/%d]\n", r.done, r.total)
	}
}

func (r *consoleReporter) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "  "+format+"\n", args...)
}

func (r *consoleReporter) Status(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *consoleReporter) Finish(err error) {
	if err != nil {
		r.Status("Failed: %v", err)
	}
}

func (r *consoleReporter) Cancel(code int) {
	r.Status("Cancelled (%d)", code)
}
