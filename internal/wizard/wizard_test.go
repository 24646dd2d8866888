// SPDX-License-Identifier: MIT

package wizard

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/orderly-sh/orderly/internal/config"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
}

func TestNewWithOptions(t *testing.T) {
	input := strings.NewReader("")
	output := &bytes.Buffer{}

	w := New(WithInput(input), WithOutput(output), WithAccessible(true))
	if w.input != input {
		t.Error("WithInput option not applied")
	}
	if w.output != output {
		t.Error("WithOutput option not applied")
	}
	if !w.accessible {
		t.Error("WithAccessible option not applied")
	}
}

func singleServiceSession(cohortLines, svcAnswers []string, again string) string {
	lines := append([]string{}, cohortLines...)
	lines = append(lines, svcAnswers...)
	lines = append(lines, again)
	return strings.Join(lines, "\n") + "\n"
}

func TestRunSingleServiceDefaults(t *testing.T) {
	session := singleServiceSession(
		[]string{"", "", "", ""}, // cohort-level: all defaults/blank
		[]string{"web", "sleep 1", "", "", "", "", ""},
		"n",
	)

	output := &bytes.Buffer{}
	w := New(WithInput(strings.NewReader(session)), WithOutput(output))

	cohort, err := w.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cohort.MaxRestartTokens != config.DefaultMaxRestartTokens {
		t.Errorf("MaxRestartTokens = %d, want default %d", cohort.MaxRestartTokens, config.DefaultMaxRestartTokens)
	}
	if len(cohort.Services) != 1 {
		t.Fatalf("len(Services) = %d, want 1", len(cohort.Services))
	}
	svc := cohort.Services[0]
	if svc.Name != "web" {
		t.Errorf("Name = %q, want %q", svc.Name, "web")
	}
	if len(svc.RunCmd) != 3 || svc.RunCmd[0] != "/bin/sh" || svc.RunCmd[2] != "sleep 1" {
		t.Errorf("RunCmd = %v, want wrapped shell command", svc.RunCmd)
	}
	if svc.CheckCmd != nil {
		t.Errorf("CheckCmd = %v, want nil for blank input", svc.CheckCmd)
	}
}

func TestRunMultipleServices(t *testing.T) {
	session := singleServiceSession(
		[]string{"3", "0.5", "2", ""},
		[]string{"a", "run-a", "", "check-a", "", "", ""},
		"y",
	) + singleServiceSession(nil, []string{"b", "run-b", "", "", "", "", ""}, "n")

	w := New(WithInput(strings.NewReader(session)), WithOutput(&bytes.Buffer{}))
	cohort, err := w.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cohort.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(cohort.Services))
	}
	if cohort.Services[0].Name != "a" || cohort.Services[1].Name != "b" {
		t.Fatalf("unexpected service order: %+v", cohort.Services)
	}
	if cohort.MaxRestartTokens != 3 {
		t.Errorf("MaxRestartTokens = %d, want 3", cohort.MaxRestartTokens)
	}
	if cohort.RestartTokensPerSecond != 0.5 {
		t.Errorf("RestartTokensPerSecond = %v, want 0.5", cohort.RestartTokensPerSecond)
	}
}

func TestRunRejectsEmptyServiceName(t *testing.T) {
	session := singleServiceSession(
		[]string{"", "", "", ""},
		[]string{"", "sleep 1", "", "", "", "", ""},
		"n",
	)

	w := New(WithInput(strings.NewReader(session)), WithOutput(&bytes.Buffer{}))
	if _, err := w.Run(); err == nil {
		t.Fatal("expected error for empty service name")
	}
}

func TestRunRejectsInvalidRestartTokens(t *testing.T) {
	session := "not-a-number\n"

	w := New(WithInput(strings.NewReader(session)), WithOutput(&bytes.Buffer{}))
	if _, err := w.Run(); err == nil {
		t.Fatal("expected error for invalid restart token capacity")
	}
}

func TestRunAndSaveWritesCohortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cohort.yaml")

	session := singleServiceSession(
		[]string{"", "", "", ""},
		[]string{"web", "sleep 1", "", "", "", "", ""},
		"n",
	)

	w := New(WithInput(strings.NewReader(session)), WithOutput(&bytes.Buffer{}))
	if _, err := w.RunAndSave(path); err != nil {
		t.Fatalf("RunAndSave: %v", err)
	}

	loaded, err := config.LoadCohortFile(path)
	if err != nil {
		t.Fatalf("LoadCohortFile: %v", err)
	}
	if len(loaded.Services) != 1 || loaded.Services[0].Name != "web" {
		t.Fatalf("unexpected loaded cohort: %+v", loaded)
	}
}

func TestRunAndSaveBacksUpExistingCohortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cohort.yaml")

	session := func() string {
		return singleServiceSession(
			[]string{"", "", "", ""},
			[]string{"web", "sleep 1", "", "", "", "", ""},
			"n",
		)
	}

	w := New(WithInput(strings.NewReader(session())), WithOutput(&bytes.Buffer{}))
	if _, err := w.RunAndSave(path); err != nil {
		t.Fatalf("RunAndSave (first write): %v", err)
	}

	out := &bytes.Buffer{}
	w2 := New(WithInput(strings.NewReader(session())), WithOutput(out))
	if _, err := w2.RunAndSave(path); err != nil {
		t.Fatalf("RunAndSave (second write): %v", err)
	}

	backups, err := config.ListBackups(config.GetBackupDir(path), "cohort.yaml")
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup after overwriting an existing cohort file, got %d", len(backups))
	}
	if !strings.Contains(out.String(), "backed up to") {
		t.Errorf("expected backup notice in wizard output, got %q", out.String())
	}
}

func TestShellArgv(t *testing.T) {
	if got := shellArgv("  "); got != nil {
		t.Errorf("shellArgv(blank) = %v, want nil", got)
	}
	got := shellArgv("echo hi")
	want := []string{"/bin/sh", "-c", "echo hi"}
	if len(got) != len(want) {
		t.Fatalf("shellArgv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("shellArgv = %v, want %v", got, want)
		}
	}
}
