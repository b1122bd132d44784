// Package gitutil is the thin git CLI wrapper from spec.md §4.6: a single
// narrow surface that never panics or returns a Go error for a failed git
// invocation, only a Result with success/output/error fields, so higher
// layers (the ledger syncer) can compose arg lists and interpret failures
// uniformly.
package gitutil

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// Result is the outcome of one git invocation (spec.md §4.6).
type Result struct {
	Success bool
	Output  string
	Error   string
}

// Runner invokes git commands in a fixed working directory, with an
// optional per-call timeout (spec.md §5: "the git adapter may be configured
// with a per-call timeout; on timeout it returns success=false").
type Runner struct {
	Dir     string
	Timeout time.Duration // zero means no timeout
}

// New returns a Runner rooted at dir.
func New(dir string) *Runner {
	return &Runner{Dir: dir}
}

// WithTimeout returns a copy of r with a bounded per-call timeout.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	cp := *r
	cp.Timeout = d
	return &cp
}

// Run executes `git <args...>` in r.Dir. Failures, including a context
// timeout, never escape as a Go error: they come back as Result{Success:
// false}, matching the "failures never throw" contract (spec.md §4.6, §7).
func (r *Runner) Run(ctx context.Context, args ...string) Result {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{Success: false, Output: strings.TrimRight(output, "\n"), Error: "timeout: " + err.Error()}
		}
		return Result{Success: false, Output: strings.TrimRight(output, "\n"), Error: err.Error()}
	}
	return Result{Success: true, Output: strings.TrimRight(output, "\n")}
}
