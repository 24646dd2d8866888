// SPDX-License-Identifier: MIT

package diagnostics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
)

func validCohort() *config.Cohort {
	c := config.DefaultCohort()
	c.Services = []config.ServiceSpec{
		{Name: "a", RunCmd: []string{"true"}},
		{Name: "b", RunCmd: []string{"true"}},
	}
	return c
}

func findCheck(t *testing.T, report *DiagnosticReport, name string) CheckResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no check named %q in report", name)
	return CheckResult{}
}

func TestRunnerAllOKForValidCohort(t *testing.T) {
	dir := t.TempDir()
	cohort := validCohort()
	cohort.StatusFilePath = filepath.Join(dir, "status")

	r := NewRunner(Options{
		Cohort:   cohort,
		LockFile: filepath.Join(dir, "orderly.lock"),
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.Healthy {
		t.Fatalf("expected healthy report, got %+v", report.Summary)
	}
	if report.Summary.Critical != 0 || report.Summary.Error != 0 {
		t.Fatalf("expected no critical/error checks, got %+v", report.Summary)
	}
}

func TestRunnerNoCohortLoaded(t *testing.T) {
	r := NewRunner(Options{})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Healthy {
		t.Fatal("expected unhealthy report when no cohort is loaded")
	}
	cohortCheck := findCheck(t, report, "Cohort")
	if cohortCheck.Status != StatusCritical {
		t.Fatalf("expected Cohort check to be critical, got %s", cohortCheck.Status)
	}
}

func TestCheckCohortValidPropagatesValidationError(t *testing.T) {
	cohort := config.DefaultCohort() // no services: fails Validate
	r := NewRunner(Options{Cohort: cohort})

	report, _ := r.Run(context.Background())
	cohortCheck := findCheck(t, report, "Cohort")
	if cohortCheck.Status != StatusCritical {
		t.Fatalf("expected critical status, got %s", cohortCheck.Status)
	}
	if !strings.Contains(cohortCheck.Details, "at least one service") {
		t.Fatalf("expected validation error in details, got %q", cohortCheck.Details)
	}
}

func TestCheckDuplicateNames(t *testing.T) {
	cohort := validCohort()
	cohort.Services = append(cohort.Services, config.ServiceSpec{Name: "a", RunCmd: []string{"true"}})

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Service Names")
	if check.Status != StatusCritical {
		t.Fatalf("expected critical status for duplicate names, got %s", check.Status)
	}
	if !strings.Contains(check.Message, "a") {
		t.Fatalf("expected message to name the duplicate, got %q", check.Message)
	}
}

func TestCheckTimeoutsNegative(t *testing.T) {
	cohort := validCohort()
	cohort.Services[0].CheckTimeout = -time.Second

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Timeouts")
	if check.Status != StatusCritical {
		t.Fatalf("expected critical status for negative timeout, got %s", check.Status)
	}
	if !strings.Contains(check.Message, "check_timeout") {
		t.Fatalf("expected message to mention check_timeout, got %q", check.Message)
	}
}

func TestCheckHookExecutablesMissingCommand(t *testing.T) {
	cohort := validCohort()
	cohort.Services[0].RunCmd = []string{"orderly-doctor-definitely-does-not-exist-anywhere"}

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Hook Commands")
	if check.Status != StatusCritical {
		t.Fatalf("expected critical status for unresolvable command, got %s", check.Status)
	}
	if !strings.Contains(check.Details, "orderly-doctor-definitely-does-not-exist-anywhere") {
		t.Fatalf("expected details to name the missing command, got %q", check.Details)
	}
}

func TestCheckHookExecutablesAbsolutePathMissing(t *testing.T) {
	cohort := validCohort()
	cohort.Services[0].RunCmd = []string{"/no/such/path/here"}

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Hook Commands")
	if check.Status != StatusCritical {
		t.Fatalf("expected critical status, got %s", check.Status)
	}
}

func TestCheckLockFileSkippedWhenUnset(t *testing.T) {
	r := NewRunner(Options{Cohort: validCohort()})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Lock Directory")
	if check.Status != StatusSkipped {
		t.Fatalf("expected skipped status when no lock file configured, got %s", check.Status)
	}
}

func TestCheckLockFileCreatesMissingDir(t *testing.T) {
	dir := t.TempDir()
	lockFile := filepath.Join(dir, "nested", "orderly.lock")

	r := NewRunner(Options{Cohort: validCohort(), LockFile: lockFile})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Lock Directory")
	if check.Status != StatusOK {
		t.Fatalf("expected OK status, got %s: %s", check.Status, check.Message)
	}
	if info, err := os.Stat(filepath.Dir(lockFile)); err != nil || !info.IsDir() {
		t.Fatalf("expected lock directory to exist, err=%v", err)
	}
}

func TestCheckLockFileNotWritable(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root ignores permission bits")
	}
	dir := t.TempDir()
	roDir := filepath.Join(dir, "ro")
	if err := os.Mkdir(roDir, 0555); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	defer func() { _ = os.Chmod(roDir, 0750) }()

	r := NewRunner(Options{Cohort: validCohort(), LockFile: filepath.Join(roDir, "orderly.lock")})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Lock Directory")
	if check.Status != StatusCritical {
		t.Fatalf("expected critical status for unwritable directory, got %s", check.Status)
	}
}

func TestCheckStatusFileDirSkippedWhenUnset(t *testing.T) {
	r := NewRunner(Options{Cohort: validCohort()})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Status File Directory")
	if check.Status != StatusSkipped {
		t.Fatalf("expected skipped status when no status file configured, got %s", check.Status)
	}
}

func TestCheckStatusFileDirWritable(t *testing.T) {
	dir := t.TempDir()
	cohort := validCohort()
	cohort.StatusFilePath = filepath.Join(dir, "status")

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Status File Directory")
	if check.Status != StatusOK {
		t.Fatalf("expected OK status, got %s: %s", check.Status, check.Message)
	}
}

func TestCheckRestartBudgetZero(t *testing.T) {
	cohort := validCohort()
	cohort.MaxRestartTokens = 0

	r := NewRunner(Options{Cohort: cohort})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Restart Budget")
	if check.Status != StatusWarning {
		t.Fatalf("expected warning status for zero restart budget, got %s", check.Status)
	}
}

func TestCheckRestartBudgetConfigured(t *testing.T) {
	r := NewRunner(Options{Cohort: validCohort()})
	report, _ := r.Run(context.Background())

	check := findCheck(t, report, "Restart Budget")
	if check.Status != StatusOK {
		t.Fatalf("expected OK status, got %s", check.Status)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(Options{Cohort: validCohort()})
	report, err := r.Run(ctx)
	if err == nil {
		t.Fatal("expected context.Canceled error")
	}
	if len(report.Checks) != 0 {
		t.Fatalf("expected no checks to have run, got %d", len(report.Checks))
	}
}

func TestSummaryCounts(t *testing.T) {
	cohort := validCohort()
	cohort.MaxRestartTokens = 0 // forces one Warning

	r := NewRunner(Options{Cohort: cohort})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Summary.Total != len(report.Checks) {
		t.Fatalf("Total %d != len(Checks) %d", report.Summary.Total, len(report.Checks))
	}
	if report.Summary.Warning < 1 {
		t.Fatalf("expected at least one warning, got %+v", report.Summary)
	}
	if !report.Healthy {
		t.Fatalf("a warning alone must not make the report unhealthy: %+v", report.Summary)
	}
}

func TestPrintReportContainsSummary(t *testing.T) {
	r := NewRunner(Options{Cohort: validCohort()})
	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var buf strings.Builder
	PrintReport(&buf, report)

	out := buf.String()
	if !strings.Contains(out, "orderly doctor report") {
		t.Fatalf("expected header in output, got:\n%s", out)
	}
	if !strings.Contains(out, "Status: HEALTHY") {
		t.Fatalf("expected healthy status line, got:\n%s", out)
	}
	if !strings.Contains(out, "Summary") {
		t.Fatalf("expected summary section, got:\n%s", out)
	}
}
