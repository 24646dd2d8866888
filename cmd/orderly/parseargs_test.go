// SPDX-License-Identifier: MIT

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
)

func TestSplitServiceGroups(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		wantSup       []string
		wantNumGroups int
	}{
		{
			name:          "no boundary at all",
			args:          []string{"-status-file", "/tmp/x"},
			wantSup:       []string{"-status-file", "/tmp/x"},
			wantNumGroups: 0,
		},
		{
			name:          "one service group",
			args:          []string{"-check-delay", "1", "--", "-name", "web", "-run", "sleep 1"},
			wantSup:       []string{"-check-delay", "1"},
			wantNumGroups: 1,
		},
		{
			name:          "multiple service groups",
			args:          []string{"--", "-name", "a", "--", "-name", "b", "--"},
			wantSup:       nil,
			wantNumGroups: 2,
		},
		{
			name:          "trailing boundary with no services",
			args:          []string{"-status-file", "/tmp/x", "--"},
			wantSup:       []string{"-status-file", "/tmp/x"},
			wantNumGroups: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, groups := splitServiceGroups(tt.args)
			if len(sup) != len(tt.wantSup) {
				t.Fatalf("supervisorArgs = %v, want %v", sup, tt.wantSup)
			}
			for i := range sup {
				if sup[i] != tt.wantSup[i] {
					t.Fatalf("supervisorArgs = %v, want %v", sup, tt.wantSup)
				}
			}
			if len(groups) != tt.wantNumGroups {
				t.Fatalf("len(groups) = %d, want %d", len(groups), tt.wantNumGroups)
			}
		})
	}
}

func TestParseSupervisorFlags(t *testing.T) {
	flags, err := parseSupervisorFlags([]string{
		"-max-restart-tokens", "7",
		"-restart-tokens-per-second", "0.25",
		"-check-delay", "2.5",
		"-status-file", "/tmp/status",
		"-log-format", "json",
	})
	if err != nil {
		t.Fatalf("parseSupervisorFlags: %v", err)
	}
	if flags.maxRestartTokens != 7 {
		t.Errorf("maxRestartTokens = %d, want 7", flags.maxRestartTokens)
	}
	if flags.restartTokensPerSecond != 0.25 {
		t.Errorf("restartTokensPerSecond = %v, want 0.25", flags.restartTokensPerSecond)
	}
	if flags.checkDelay != 2.5 {
		t.Errorf("checkDelay = %v, want 2.5", flags.checkDelay)
	}
	if flags.statusFile != "/tmp/status" {
		t.Errorf("statusFile = %q, want /tmp/status", flags.statusFile)
	}
	if flags.logFormat != "json" {
		t.Errorf("logFormat = %q, want json", flags.logFormat)
	}
}

func TestParseSupervisorFlagsDefaults(t *testing.T) {
	flags, err := parseSupervisorFlags(nil)
	if err != nil {
		t.Fatalf("parseSupervisorFlags: %v", err)
	}
	if flags.maxRestartTokens != -1 || flags.restartTokensPerSecond != -1 || flags.checkDelay != -1 {
		t.Errorf("unset numeric flags should sentinel to -1, got %+v", flags)
	}
	if flags.watchDefaults {
		t.Errorf("watchDefaults should default to false")
	}
}

func TestParseSupervisorFlagsWatchDefaults(t *testing.T) {
	flags, err := parseSupervisorFlags([]string{
		"-defaults-file", "/tmp/defaults.yaml",
		"-watch-defaults",
	})
	if err != nil {
		t.Fatalf("parseSupervisorFlags: %v", err)
	}
	if flags.defaultsFile != "/tmp/defaults.yaml" {
		t.Errorf("defaultsFile = %q, want /tmp/defaults.yaml", flags.defaultsFile)
	}
	if !flags.watchDefaults {
		t.Errorf("watchDefaults = false, want true")
	}
}

func TestParseServiceGroup(t *testing.T) {
	spec, err := parseServiceGroup([]string{
		"-name", "web",
		"-run", "python3 -m http.server",
		"-check", "curl -f localhost:8000",
		"-check-timeout", "1.5",
	})
	if err != nil {
		t.Fatalf("parseServiceGroup: %v", err)
	}
	if spec.Name != "web" {
		t.Errorf("Name = %q, want web", spec.Name)
	}
	wantRun := []string{"/bin/sh", "-c", "python3 -m http.server"}
	if len(spec.RunCmd) != len(wantRun) {
		t.Fatalf("RunCmd = %v, want %v", spec.RunCmd, wantRun)
	}
	if spec.CheckTimeout != 1500*time.Millisecond {
		t.Errorf("CheckTimeout = %v, want 1.5s", spec.CheckTimeout)
	}
}

func TestParseServiceGroupMissingNameFails(t *testing.T) {
	if _, err := parseServiceGroup([]string{"-run", "sleep 1"}); err == nil {
		t.Fatal("expected error for missing -name")
	}
}

func TestParseServiceGroupMissingRunFails(t *testing.T) {
	if _, err := parseServiceGroup([]string{"-name", "web"}); err == nil {
		t.Fatal("expected error when neither -run nor -all-commands is set")
	}
}

func TestShellArgvOrNil(t *testing.T) {
	if got := shellArgvOrNil(""); got != nil {
		t.Errorf("shellArgvOrNil(\"\") = %v, want nil", got)
	}
	got := shellArgvOrNil("echo hi")
	want := []string{"/bin/sh", "-c", "echo hi"}
	if len(got) != len(want) || got[2] != want[2] {
		t.Errorf("shellArgvOrNil = %v, want %v", got, want)
	}
}

func TestSecondsToDuration(t *testing.T) {
	if got := secondsToDuration(0); got != 0 {
		t.Errorf("secondsToDuration(0) = %v, want 0", got)
	}
	if got := secondsToDuration(2.5); got != 2500*time.Millisecond {
		t.Errorf("secondsToDuration(2.5) = %v, want 2.5s", got)
	}
}

func TestBuildCohortFromServiceGroups(t *testing.T) {
	cohort, err := buildCohort([]string{
		"-max-restart-tokens", "3",
		"--",
		"-name", "a", "-run", "sleep 1",
		"--",
		"-name", "b", "-run", "sleep 2",
	})
	if err != nil {
		t.Fatalf("buildCohort: %v", err)
	}
	if cohort.MaxRestartTokens != 3 {
		t.Errorf("MaxRestartTokens = %d, want 3", cohort.MaxRestartTokens)
	}
	if len(cohort.Services) != 2 {
		t.Fatalf("len(Services) = %d, want 2", len(cohort.Services))
	}
	if cohort.Services[0].Name != "a" || cohort.Services[1].Name != "b" {
		t.Fatalf("unexpected service order: %+v", cohort.Services)
	}
}

func TestBuildCohortNoServicesFails(t *testing.T) {
	if _, err := buildCohort([]string{"-status-file", "/tmp/x"}); err == nil {
		t.Fatal("expected error for a cohort with no services")
	}
}

func TestBuildCohortAndLoaderReturnsUsableLoader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	if err := os.WriteFile(path, []byte("max_restart_tokens: 9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cohort, loader, err := buildCohortAndLoader([]string{
		"-defaults-file", path,
		"--",
		"-name", "a", "-run", "sleep 1",
	})
	if err != nil {
		t.Fatalf("buildCohortAndLoader: %v", err)
	}
	if cohort.MaxRestartTokens != 9 {
		t.Errorf("MaxRestartTokens = %d, want 9", cohort.MaxRestartTokens)
	}
	if loader == nil {
		t.Fatal("buildCohortAndLoader returned a nil loader")
	}
	if _, err := loader.Load(); err != nil {
		t.Errorf("loader.Load(): %v", err)
	}
}

func TestBuildCohortFromDefaultsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	if err := os.WriteFile(path, []byte("max_restart_tokens: 9\nstatus_file: /tmp/defaults-status\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cohort, err := buildCohort([]string{
		"-defaults-file", path,
		"--",
		"-name", "a", "-run", "sleep 1",
	})
	if err != nil {
		t.Fatalf("buildCohort: %v", err)
	}
	if cohort.MaxRestartTokens != 9 {
		t.Errorf("MaxRestartTokens = %d, want 9 (from defaults file)", cohort.MaxRestartTokens)
	}
	if cohort.StatusFilePath != "/tmp/defaults-status" {
		t.Errorf("StatusFilePath = %q, want /tmp/defaults-status", cohort.StatusFilePath)
	}
}

func TestBuildCohortCLIOverridesDefaultsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	if err := os.WriteFile(path, []byte("max_restart_tokens: 9\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cohort, err := buildCohort([]string{
		"-defaults-file", path,
		"-max-restart-tokens", "20",
		"--",
		"-name", "a", "-run", "sleep 1",
	})
	if err != nil {
		t.Fatalf("buildCohort: %v", err)
	}
	if cohort.MaxRestartTokens != 20 {
		t.Errorf("MaxRestartTokens = %d, want 20 (CLI overrides defaults-file)", cohort.MaxRestartTokens)
	}
}

func TestBuildCohortFromCohortFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cohort.yaml")
	seed := config.DefaultCohort()
	seed.Services = []config.ServiceSpec{{Name: "web", RunCmd: []string{"/bin/sh", "-c", "sleep 1"}}}
	if err := seed.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cohort, err := buildCohort([]string{"-cohort-file", path})
	if err != nil {
		t.Fatalf("buildCohort: %v", err)
	}
	if len(cohort.Services) != 1 || cohort.Services[0].Name != "web" {
		t.Fatalf("unexpected cohort: %+v", cohort.Services)
	}
}

func TestLockFilePath(t *testing.T) {
	cohortWithStatus := &config.Cohort{StatusFilePath: "/run/orderly/status"}
	cohortWithout := &config.Cohort{}

	tests := []struct {
		name   string
		flags  *supervisorFlags
		cohort *config.Cohort
		want   string
	}{
		{"explicit lock file wins", &supervisorFlags{lockFile: "/tmp/explicit.lock"}, cohortWithStatus, "/tmp/explicit.lock"},
		{"derived from status file", &supervisorFlags{}, cohortWithStatus, "/run/orderly/status.lock"},
		{"neither configured", &supervisorFlags{}, cohortWithout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lockFilePath(tt.flags, tt.cohort); got != tt.want {
				t.Errorf("lockFilePath() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateLogFormat(t *testing.T) {
	if err := validateLogFormat(""); err != nil {
		t.Errorf("validateLogFormat(\"\") = %v, want nil", err)
	}
	if err := validateLogFormat("text"); err != nil {
		t.Errorf("validateLogFormat(text) = %v, want nil", err)
	}
	if err := validateLogFormat("json"); err != nil {
		t.Errorf("validateLogFormat(json) = %v, want nil", err)
	}
	if err := validateLogFormat("xml"); err == nil {
		t.Error("validateLogFormat(xml) expected error")
	}
}
