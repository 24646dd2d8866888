// SPDX-License-Identifier: MIT

// Package diagnostics implements the `orderly doctor` pre-flight checks:
// checks that catch misconfiguration before the engine ever spawns a
// hook, so operators hear about a typo'd command or an unwritable
// status-file directory before a cohort half-starts. The writability
// checks create a missing directory and write, then remove, a probe file.
//
// Reference: the teacher's lyrebird-diagnostics.sh, reshaped from 24
// ALSA/MediaMTX/network checks into cohort and hook preflight checks.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
)

// CheckResult represents the result of a single diagnostic check.
type CheckResult struct {
	Name        string        `json:"name"`
	Category    string        `json:"category"`
	Status      CheckStatus   `json:"status"`
	Message     string        `json:"message"`
	Details     string        `json:"details,omitempty"`
	Duration    time.Duration `json:"duration"`
	Suggestions []string      `json:"suggestions,omitempty"`
}

// CheckStatus indicates the result of a check.
type CheckStatus string

const (
	StatusOK       CheckStatus = "OK"
	StatusWarning  CheckStatus = "WARNING"
	StatusCritical CheckStatus = "CRITICAL"
	StatusSkipped  CheckStatus = "SKIPPED"
	StatusError    CheckStatus = "ERROR"
)

// DiagnosticReport contains results from all diagnostic checks.
type DiagnosticReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Checks    []CheckResult `json:"checks"`
	Summary   *Summary      `json:"summary"`
	Healthy   bool          `json:"healthy"`
}

// Summary contains a summary of check results.
type Summary struct {
	Total    int `json:"total"`
	OK       int `json:"ok"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
	Skipped  int `json:"skipped"`
	Error    int `json:"error"`
}

// Options configures the diagnostic run.
type Options struct {
	// Cohort is the cohort definition to check. Required.
	Cohort *config.Cohort

	// LockFile is the path orderly would take an exclusive lock on, if
	// any. Empty means no lock file is configured.
	LockFile string

	Output io.Writer
}

// Runner executes diagnostic checks against a cohort.
type Runner struct {
	opts Options
}

// NewRunner creates a new diagnostic runner.
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts}
}

// Run executes all diagnostic checks and returns a report.
func (r *Runner) Run(ctx context.Context) (*DiagnosticReport, error) {
	start := time.Now()

	report := &DiagnosticReport{
		Timestamp: start,
		Summary:   &Summary{},
	}

	for _, check := range r.getChecks() {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
			result := check(ctx)
			report.Checks = append(report.Checks, result)

			report.Summary.Total++
			switch result.Status {
			case StatusOK:
				report.Summary.OK++
			case StatusWarning:
				report.Summary.Warning++
			case StatusCritical:
				report.Summary.Critical++
			case StatusSkipped:
				report.Summary.Skipped++
			case StatusError:
				report.Summary.Error++
			}
		}
	}

	report.Duration = time.Since(start)
	report.Healthy = report.Summary.Critical == 0 && report.Summary.Error == 0

	return report, nil
}

func (r *Runner) getChecks() []func(context.Context) CheckResult {
	return []func(context.Context) CheckResult{
		r.checkCohortValid,
		r.checkDuplicateNames,
		r.checkTimeouts,
		r.checkHookExecutables,
		r.checkLockFile,
		r.checkStatusFileDir,
		r.checkRestartBudget,
	}
}

// checkCohortValid runs config.Cohort.Validate and surfaces any error as
// a single critical check. Run still executes the more granular checks
// below when this one fails.
func (r *Runner) checkCohortValid(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Cohort", Category: "Config"}

	if r.opts.Cohort == nil {
		result.Status = StatusCritical
		result.Message = "no cohort loaded"
		result.Duration = time.Since(start)
		return result
	}

	if err := r.opts.Cohort.Validate(); err != nil {
		result.Status = StatusCritical
		result.Message = "cohort failed validation"
		result.Details = err.Error()
		result.Suggestions = append(result.Suggestions, "fix the reported error and re-run orderly doctor")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("cohort declares %d service(s)", len(r.opts.Cohort.Services))
	}

	result.Duration = time.Since(start)
	return result
}

// checkDuplicateNames is a finer-grained restatement of the uniqueness
// half of Cohort.Validate, reported separately so an operator scanning
// the report sees exactly which check failed without reading Details.
func (r *Runner) checkDuplicateNames(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Service Names", Category: "Config"}

	if r.opts.Cohort == nil {
		result.Status = StatusSkipped
		result.Message = "no cohort loaded"
		result.Duration = time.Since(start)
		return result
	}

	seen := make(map[string]int, len(r.opts.Cohort.Services))
	var dupes []string
	for _, svc := range r.opts.Cohort.Services {
		seen[svc.Name]++
		if seen[svc.Name] == 2 {
			dupes = append(dupes, svc.Name)
		}
	}

	if len(dupes) > 0 {
		result.Status = StatusCritical
		result.Message = "duplicate service names: " + strings.Join(dupes, ", ")
		result.Suggestions = append(result.Suggestions, "every service name must be unique within the cohort")
	} else {
		result.Status = StatusOK
		result.Message = "all service names unique"
	}

	result.Duration = time.Since(start)
	return result
}

// checkTimeouts flags any negative per-action timeout or check delay.
// Cohort.Validate already rejects these during config load; this check
// exists so `orderly doctor` can run against a cohort file that hasn't
// been loaded through the normal path yet.
func (r *Runner) checkTimeouts(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Timeouts", Category: "Config"}

	if r.opts.Cohort == nil {
		result.Status = StatusSkipped
		result.Message = "no cohort loaded"
		result.Duration = time.Since(start)
		return result
	}

	var bad []string
	if r.opts.Cohort.CheckDelay < 0 {
		bad = append(bad, "cohort check_delay")
	}
	for _, svc := range r.opts.Cohort.Services {
		for _, to := range []struct {
			name string
			d    time.Duration
		}{
			{svc.Name + " wait_started_timeout", svc.WaitStartedTimeout},
			{svc.Name + " check_timeout", svc.CheckTimeout},
			{svc.Name + " shutdown_timeout", svc.ShutdownTimeout},
			{svc.Name + " cleanup_timeout", svc.CleanupTimeout},
			{svc.Name + " check_delay", svc.CheckDelay},
		} {
			if to.d < 0 {
				bad = append(bad, to.name)
			}
		}
	}

	if len(bad) > 0 {
		result.Status = StatusCritical
		result.Message = "negative timeouts: " + strings.Join(bad, ", ")
	} else {
		result.Status = StatusOK
		result.Message = "no negative timeouts configured"
	}

	result.Duration = time.Since(start)
	return result
}

// checkHookExecutables resolves argv[0] of every configured hook command
// through exec.LookPath (or a direct stat for paths containing a slash,
// matching exec.Command's own resolution rules) so a typo'd command name
// is caught before the engine tries to spawn it mid-startup.
func (r *Runner) checkHookExecutables(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Hook Commands", Category: "Services"}

	if r.opts.Cohort == nil {
		result.Status = StatusSkipped
		result.Message = "no cohort loaded"
		result.Duration = time.Since(start)
		return result
	}

	var unresolved []string
	checked := make(map[string]struct{})
	for _, svc := range r.opts.Cohort.Services {
		for _, action := range []config.Action{
			config.ActionRun, config.ActionWaitStarted, config.ActionCheck,
			config.ActionShutdown, config.ActionCleanup,
		} {
			argv, ok := svc.CommandFor(action)
			if !ok || len(argv) == 0 {
				continue
			}
			prog := argv[0]
			if _, done := checked[prog]; done {
				continue
			}
			checked[prog] = struct{}{}

			if strings.Contains(prog, "/") {
				if _, err := os.Stat(prog); err != nil {
					unresolved = append(unresolved, fmt.Sprintf("%s (%s): %v", svc.Name, prog, err))
				}
			} else if _, err := exec.LookPath(prog); err != nil {
				unresolved = append(unresolved, fmt.Sprintf("%s (%s): not found on PATH", svc.Name, prog))
			}
		}
	}

	if len(unresolved) > 0 {
		result.Status = StatusCritical
		result.Message = fmt.Sprintf("%d hook command(s) not resolvable", len(unresolved))
		result.Details = strings.Join(unresolved, "\n")
		result.Suggestions = append(result.Suggestions, "verify the command name and PATH for each service above")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("%d distinct hook command(s) resolved", len(checked))
	}

	result.Duration = time.Since(start)
	return result
}

// checkLockFile verifies the directory that would hold the single-instance
// lock file exists (or can be created) and is writable.
func (r *Runner) checkLockFile(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Lock Directory", Category: "System"}

	if r.opts.LockFile == "" {
		result.Status = StatusSkipped
		result.Message = "no lock file configured"
		result.Duration = time.Since(start)
		return result
	}

	result = checkDirWritable(result, filepath.Dir(r.opts.LockFile))
	result.Duration = time.Since(start)
	return result
}

// checkStatusFileDir verifies the directory that would hold the status
// file exists (or can be created) and is writable, matching statusfile's
// own write-temp-then-rename requirement of a writable parent directory.
func (r *Runner) checkStatusFileDir(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Status File Directory", Category: "System"}

	if r.opts.Cohort == nil || r.opts.Cohort.StatusFilePath == "" {
		result.Status = StatusSkipped
		result.Message = "no status file configured"
		result.Duration = time.Since(start)
		return result
	}

	result = checkDirWritable(result, filepath.Dir(r.opts.Cohort.StatusFilePath))
	result.Duration = time.Since(start)
	return result
}

// checkDirWritable stats dir, creating it if absent, and reports whether
// orderly could write a status or lock file there.
func checkDirWritable(result CheckResult, dir string) CheckResult {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0750); mkErr != nil {
			result.Status = StatusCritical
			result.Message = "directory does not exist and cannot be created"
			result.Details = mkErr.Error()
			return result
		}
		result.Status = StatusOK
		result.Message = "directory created: " + dir
		return result
	}
	if err != nil {
		result.Status = StatusError
		result.Message = "failed to stat directory"
		result.Details = err.Error()
		return result
	}
	if !info.IsDir() {
		result.Status = StatusCritical
		result.Message = dir + " exists but is not a directory"
		return result
	}

	probe := filepath.Join(dir, ".orderly-doctor-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		result.Status = StatusCritical
		result.Message = "directory is not writable"
		result.Details = err.Error()
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	result.Status = StatusOK
	result.Message = "directory writable: " + dir
	return result
}

// checkRestartBudget reports the configured restart-token budget so an
// operator can sanity-check it against how flaky their services are
// expected to be, without needing to read the cohort file directly.
func (r *Runner) checkRestartBudget(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: "Restart Budget", Category: "Config"}

	if r.opts.Cohort == nil {
		result.Status = StatusSkipped
		result.Message = "no cohort loaded"
		result.Duration = time.Since(start)
		return result
	}

	if r.opts.Cohort.MaxRestartTokens == 0 {
		result.Status = StatusWarning
		result.Message = "max_restart_tokens is 0: any CHECK failure triggers immediate shutdown"
		result.Suggestions = append(result.Suggestions, "set max_restart_tokens > 0 to tolerate transient CHECK failures")
	} else {
		result.Status = StatusOK
		result.Message = fmt.Sprintf("max_restart_tokens=%d, refill=%.3g/s",
			r.opts.Cohort.MaxRestartTokens, r.opts.Cohort.RestartTokensPerSecond)
	}

	result.Duration = time.Since(start)
	return result
}

// PrintReport prints a formatted diagnostic report.
func PrintReport(w io.Writer, report *DiagnosticReport) {
	_, _ = fmt.Fprintf(w, "orderly doctor report\n")
	_, _ = fmt.Fprintf(w, "======================\n\n")
	_, _ = fmt.Fprintf(w, "Time: %s\n\n", report.Timestamp.Format(time.RFC3339))

	categories := make(map[string][]CheckResult)
	var order []string
	for _, check := range report.Checks {
		if _, ok := categories[check.Category]; !ok {
			order = append(order, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, category := range order {
		_, _ = fmt.Fprintf(w, "%s\n%s\n", category, strings.Repeat("-", len(category)))
		for _, check := range categories[category] {
			status := "ok"
			switch check.Status {
			case StatusWarning:
				status = "warn"
			case StatusCritical:
				status = "crit"
			case StatusError:
				status = "err"
			case StatusSkipped:
				status = "skip"
			}
			_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", status, check.Name, check.Message)
			if check.Details != "" {
				_, _ = fmt.Fprintf(w, "    %s\n", check.Details)
			}
			for _, suggestion := range check.Suggestions {
				_, _ = fmt.Fprintf(w, "    -> %s\n", suggestion)
			}
		}
		_, _ = fmt.Fprintln(w)
	}

	_, _ = fmt.Fprintf(w, "Summary\n-------\n")
	_, _ = fmt.Fprintf(w, "Total: %d | OK: %d | Warning: %d | Critical: %d | Error: %d | Skipped: %d\n",
		report.Summary.Total, report.Summary.OK, report.Summary.Warning,
		report.Summary.Critical, report.Summary.Error, report.Summary.Skipped)
	_, _ = fmt.Fprintf(w, "Duration: %v\n", report.Duration)

	if report.Healthy {
		_, _ = fmt.Fprintf(w, "\nStatus: HEALTHY\n")
	} else {
		_, _ = fmt.Fprintf(w, "\nStatus: ISSUES DETECTED\n")
	}
}
