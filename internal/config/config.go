// SPDX-License-Identifier: MIT

// Package config holds orderly's in-memory configuration model: the
// cohort of service specifications the supervision engine drives, and the
// supervisor-level defaults (restart-token budget, check cadence, status
// file) that apply across the whole cohort.
//
// The argv `--`-boundary splitter that builds a Cohort from a command line
// lives in cmd/orderly, not here; this package validates and (de)serializes
// the result, and also holds the koanf-backed supervisor-defaults loader
// (defaults.go) and the cohort-file backup helpers (backup.go).
package config

import (
	"fmt"
	"time"
)

// Action identifies one of the five lifecycle hooks the engine can invoke
// for a service.
type Action string

const (
	ActionRun         Action = "RUN"
	ActionWaitStarted Action = "WAIT_STARTED"
	ActionCheck       Action = "CHECK"
	ActionShutdown    Action = "SHUTDOWN"
	ActionCleanup     Action = "CLEANUP"
)

// DefaultCheckDelay is used when neither a service nor the cohort
// specifies a check cadence. The source documentation is silent on a
// default; 5 seconds is the spec's own suggested example value.
const DefaultCheckDelay = 5 * time.Second

// DefaultMaxRestartTokens is the token-bucket capacity used when not
// otherwise configured.
const DefaultMaxRestartTokens = 5

// DefaultRestartTokensPerSecond is the token-bucket refill rate used when
// not otherwise configured.
const DefaultRestartTokensPerSecond = 0.1

// ServiceSpec is immutable after parse: one member of the cohort.
type ServiceSpec struct {
	Name string `yaml:"name" koanf:"name"`

	RunCmd         []string `yaml:"run" koanf:"run"`
	WaitStartedCmd []string `yaml:"wait_started,omitempty" koanf:"wait_started"`
	CheckCmd       []string `yaml:"check,omitempty" koanf:"check"`
	ShutdownCmd    []string `yaml:"shutdown,omitempty" koanf:"shutdown"`
	CleanupCmd     []string `yaml:"cleanup,omitempty" koanf:"cleanup"`

	// AllCommandsCmd, if set, supplies the command used for any action
	// whose specific *Cmd field above is empty. The action is passed to
	// the spawned process via ORDERLY_ACTION so a single script can
	// dispatch on it.
	AllCommandsCmd []string `yaml:"all_commands,omitempty" koanf:"all_commands"`

	WaitStartedTimeout time.Duration `yaml:"wait_started_timeout,omitempty" koanf:"wait_started_timeout"`
	CheckTimeout       time.Duration `yaml:"check_timeout,omitempty" koanf:"check_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout,omitempty" koanf:"shutdown_timeout"`
	CleanupTimeout     time.Duration `yaml:"cleanup_timeout,omitempty" koanf:"cleanup_timeout"`

	// CheckDelay overrides the cohort-level default interval between
	// consecutive successful CHECKs for this service. Zero means "use the
	// cohort default".
	CheckDelay time.Duration `yaml:"check_delay,omitempty" koanf:"check_delay"`
}

// CommandFor returns the argv to invoke for the given action, and whether
// the action is configured at all (false means the action is a no-op that
// succeeds immediately).
func (s *ServiceSpec) CommandFor(action Action) ([]string, bool) {
	var specific []string
	switch action {
	case ActionRun:
		specific = s.RunCmd
	case ActionWaitStarted:
		specific = s.WaitStartedCmd
	case ActionCheck:
		specific = s.CheckCmd
	case ActionShutdown:
		specific = s.ShutdownCmd
	case ActionCleanup:
		specific = s.CleanupCmd
	}

	if len(specific) > 0 {
		return specific, true
	}
	if len(s.AllCommandsCmd) > 0 {
		return s.AllCommandsCmd, true
	}
	return nil, false
}

// TimeoutFor returns the configured timeout for the given action, or zero
// (no timeout) if none is configured. RUN itself has no timeout concept.
func (s *ServiceSpec) TimeoutFor(action Action) time.Duration {
	switch action {
	case ActionWaitStarted:
		return s.WaitStartedTimeout
	case ActionCheck:
		return s.CheckTimeout
	case ActionShutdown:
		return s.ShutdownTimeout
	case ActionCleanup:
		return s.CleanupTimeout
	default:
		return 0
	}
}

// EffectiveCheckDelay returns s.CheckDelay if set, otherwise cohortDefault.
func (s *ServiceSpec) EffectiveCheckDelay(cohortDefault time.Duration) time.Duration {
	if s.CheckDelay > 0 {
		return s.CheckDelay
	}
	return cohortDefault
}

// Validate checks a single ServiceSpec for structural errors.
func (s *ServiceSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if len(s.RunCmd) == 0 && len(s.AllCommandsCmd) == 0 {
		return fmt.Errorf("service %q: run_cmd (or all_commands) is required", s.Name)
	}
	for _, to := range []struct {
		name string
		d    time.Duration
	}{
		{"wait_started_timeout", s.WaitStartedTimeout},
		{"check_timeout", s.CheckTimeout},
		{"shutdown_timeout", s.ShutdownTimeout},
		{"cleanup_timeout", s.CleanupTimeout},
		{"check_delay", s.CheckDelay},
	} {
		if to.d < 0 {
			return fmt.Errorf("service %q: %s must not be negative", s.Name, to.name)
		}
	}
	return nil
}

// Cohort is the ordered set of services managed by one engine invocation,
// plus the supervisor-level settings that apply across all of them.
// Declaration order is shutdown-reverse order (spec.md invariant 2/4/5).
type Cohort struct {
	Services []ServiceSpec `yaml:"services" koanf:"services"`

	MaxRestartTokens       int           `yaml:"max_restart_tokens" koanf:"max_restart_tokens"`
	RestartTokensPerSecond float64       `yaml:"restart_tokens_per_second" koanf:"restart_tokens_per_second"`
	CheckDelay             time.Duration `yaml:"check_delay" koanf:"check_delay"`
	StatusFilePath         string        `yaml:"status_file,omitempty" koanf:"status_file"`
}

// DefaultCohort returns an empty cohort with production-sensible defaults.
func DefaultCohort() *Cohort {
	return &Cohort{
		MaxRestartTokens:       DefaultMaxRestartTokens,
		RestartTokensPerSecond: DefaultRestartTokensPerSecond,
		CheckDelay:             DefaultCheckDelay,
	}
}

// Validate checks the cohort as a whole: every service is individually
// valid, and names are unique (spec.md ServiceSpec: "unique within the
// cohort").
func (c *Cohort) Validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf("cohort must declare at least one service")
	}
	if c.MaxRestartTokens < 0 {
		return fmt.Errorf("max_restart_tokens must not be negative")
	}
	if c.RestartTokensPerSecond < 0 {
		return fmt.Errorf("restart_tokens_per_second must not be negative")
	}
	if c.CheckDelay < 0 {
		return fmt.Errorf("check_delay must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i := range c.Services {
		svc := &c.Services[i]
		if err := svc.Validate(); err != nil {
			return err
		}
		if _, dup := seen[svc.Name]; dup {
			return fmt.Errorf("duplicate service name %q", svc.Name)
		}
		seen[svc.Name] = struct{}{}
	}
	return nil
}
