// SPDX-License-Identifier: MIT

package config

import (
	"testing"
	"time"
)

func validSpec(name string) ServiceSpec {
	return ServiceSpec{
		Name:   name,
		RunCmd: []string{"/bin/sh", "-c", "sleep 1"},
	}
}

func TestServiceSpecValidate(t *testing.T) {
	cases := []struct {
		name    string
		spec    ServiceSpec
		wantErr bool
	}{
		{"valid", validSpec("a"), false},
		{"empty name", ServiceSpec{RunCmd: []string{"x"}}, true},
		{"missing run", ServiceSpec{Name: "a"}, true},
		{"negative timeout", func() ServiceSpec {
			s := validSpec("a")
			s.CheckTimeout = -1
			return s
		}(), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCommandForAllCommandsFallback(t *testing.T) {
	spec := validSpec("a")
	spec.AllCommandsCmd = []string{"/bin/sh", "-c", "echo $ORDERLY_ACTION"}

	cmd, ok := spec.CommandFor(ActionCheck)
	if !ok {
		t.Fatal("expected all_commands fallback to satisfy CHECK")
	}
	if len(cmd) != 3 {
		t.Fatalf("unexpected command: %v", cmd)
	}

	// RunCmd still takes priority over all_commands when both are set.
	runCmd, ok := spec.CommandFor(ActionRun)
	if !ok || len(runCmd) != 3 || runCmd[2] != "sleep 1" {
		t.Fatalf("expected RunCmd, got %v ok=%v", runCmd, ok)
	}
}

func TestCommandForAllCommandsServesRUN(t *testing.T) {
	spec := ServiceSpec{
		Name:           "a",
		AllCommandsCmd: []string{"/bin/sh", "-c", "echo $ORDERLY_ACTION"},
	}
	if err := spec.Validate(); err != nil {
		t.Fatalf("expected all_commands alone to satisfy Validate, got %v", err)
	}
	cmd, ok := spec.CommandFor(ActionRun)
	if !ok {
		t.Fatal("expected all_commands to serve as RUN when run_cmd is unset")
	}
	if len(cmd) != 3 {
		t.Fatalf("unexpected command: %v", cmd)
	}
}

func TestCommandForNoHookConfigured(t *testing.T) {
	spec := validSpec("a")
	if _, ok := spec.CommandFor(ActionCleanup); ok {
		t.Fatal("expected CLEANUP to be unconfigured (no-op)")
	}
}

func TestEffectiveCheckDelay(t *testing.T) {
	spec := validSpec("a")
	if got := spec.EffectiveCheckDelay(7 * time.Second); got != 7*time.Second {
		t.Fatalf("expected cohort default, got %v", got)
	}
	spec.CheckDelay = 2 * time.Second
	if got := spec.EffectiveCheckDelay(7 * time.Second); got != 2*time.Second {
		t.Fatalf("expected service override, got %v", got)
	}
}

func TestCohortValidate(t *testing.T) {
	c := DefaultCohort()
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty cohort")
	}

	c.Services = []ServiceSpec{validSpec("a"), validSpec("b")}
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Services = append(c.Services, validSpec("a"))
	if err := c.Validate(); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestCohortValidateNegativeSettings(t *testing.T) {
	c := DefaultCohort()
	c.Services = []ServiceSpec{validSpec("a")}
	c.MaxRestartTokens = -1
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for negative max_restart_tokens")
	}
}
