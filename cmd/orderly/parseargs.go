// SPDX-License-Identifier: MIT

package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
)

// splitServiceGroups splits args on "--" into one argv slice per group,
// per spec.md §6: "orderly <supervisor-flags>... -- <service-spec> [ --
// <service-spec> ]...". The supervisor flags themselves (everything
// before the first "--") are returned separately.
func splitServiceGroups(args []string) (supervisorArgs []string, groups [][]string) {
	var current []string
	seenBoundary := false

	for _, a := range args {
		if a == "--" {
			if !seenBoundary {
				seenBoundary = true
				supervisorArgs = current
				current = nil
				continue
			}
			groups = append(groups, current)
			current = nil
			continue
		}
		current = append(current, a)
	}

	if !seenBoundary {
		// No "--" at all: everything was supervisor flags, no services.
		supervisorArgs = current
		return supervisorArgs, nil
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return supervisorArgs, groups
}

// supervisorFlags holds the parsed -max-restart-tokens/-restart-tokens-
// per-second/-check-delay/-status-file/-log-format/-defaults-file/
// -lock-file/-cohort-file flags from spec.md §6 and SPEC_FULL.md §6.1.
type supervisorFlags struct {
	maxRestartTokens       int
	restartTokensPerSecond float64
	checkDelay             float64
	statusFile             string
	logFormat              string
	defaultsFile           string
	watchDefaults          bool
	lockFile               string
	cohortFile             string
}

func parseSupervisorFlags(args []string) (*supervisorFlags, error) {
	fs := flag.NewFlagSet("orderly", flag.ContinueOnError)
	f := &supervisorFlags{}

	fs.IntVar(&f.maxRestartTokens, "max-restart-tokens", -1, "restart token-bucket capacity (default: built-in or defaults-file value)")
	fs.Float64Var(&f.restartTokensPerSecond, "restart-tokens-per-second", -1, "restart token refill rate")
	fs.Float64Var(&f.checkDelay, "check-delay", -1, "seconds between consecutive successful CHECKs")
	fs.StringVar(&f.statusFile, "status-file", "", "atomic status file location")
	fs.StringVar(&f.logFormat, "log-format", "", "log output format: text or json")
	fs.StringVar(&f.defaultsFile, "defaults-file", "", "optional YAML file of supervisor-level defaults")
	fs.BoolVar(&f.watchDefaults, "watch-defaults", false, "watch -defaults-file for changes and log reloads (requires -defaults-file)")
	fs.StringVar(&f.lockFile, "lock-file", "", "single-instance lock file path (default: derived from -status-file)")
	fs.StringVar(&f.cohortFile, "cohort-file", "", "YAML cohort file (as produced by 'orderly wizard'), alternative to -- service groups")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// serviceFlags holds the per-service flags from spec.md §6.
type serviceFlags struct {
	name        string
	allCommands string
	run         string
	waitStarted string
	check       string
	shutdown    string
	cleanup     string

	waitStartedTimeout float64
	checkTimeout       float64
	shutdownTimeout    float64
	cleanupTimeout     float64
	checkDelay         float64
}

func parseServiceGroup(args []string) (config.ServiceSpec, error) {
	fs := flag.NewFlagSet("service", flag.ContinueOnError)
	f := &serviceFlags{}

	fs.StringVar(&f.name, "name", "", "service name (required)")
	fs.StringVar(&f.allCommands, "all-commands", "", "one script handling every action, dispatched via ORDERLY_ACTION")
	fs.StringVar(&f.run, "run", "", "RUN command")
	fs.StringVar(&f.waitStarted, "wait-started", "", "WAIT_STARTED command")
	fs.StringVar(&f.check, "check", "", "CHECK command")
	fs.StringVar(&f.shutdown, "shutdown", "", "SHUTDOWN command")
	fs.StringVar(&f.cleanup, "cleanup", "", "CLEANUP command")
	fs.Float64Var(&f.waitStartedTimeout, "wait-started-timeout", 0, "seconds")
	fs.Float64Var(&f.checkTimeout, "check-timeout", 0, "seconds")
	fs.Float64Var(&f.shutdownTimeout, "shutdown-timeout", 0, "seconds")
	fs.Float64Var(&f.cleanupTimeout, "cleanup-timeout", 0, "seconds")
	fs.Float64Var(&f.checkDelay, "check-delay", 0, "seconds, overrides the cohort default for this service")

	if err := fs.Parse(args); err != nil {
		return config.ServiceSpec{}, err
	}

	spec := config.ServiceSpec{
		Name:               f.name,
		RunCmd:             shellArgvOrNil(f.run),
		WaitStartedCmd:     shellArgvOrNil(f.waitStarted),
		CheckCmd:           shellArgvOrNil(f.check),
		ShutdownCmd:        shellArgvOrNil(f.shutdown),
		CleanupCmd:         shellArgvOrNil(f.cleanup),
		AllCommandsCmd:     shellArgvOrNil(f.allCommands),
		WaitStartedTimeout: secondsToDuration(f.waitStartedTimeout),
		CheckTimeout:       secondsToDuration(f.checkTimeout),
		ShutdownTimeout:    secondsToDuration(f.shutdownTimeout),
		CleanupTimeout:     secondsToDuration(f.cleanupTimeout),
		CheckDelay:         secondsToDuration(f.checkDelay),
	}

	if err := spec.Validate(); err != nil {
		return config.ServiceSpec{}, err
	}
	return spec, nil
}

// shellArgvOrNil wraps a non-empty command string as a /bin/sh -c argv, the
// same convention internal/wizard uses, so the same cohort semantics apply
// whether a service came from the command line or a wizard-written YAML
// file. An empty string leaves the hook unconfigured.
func shellArgvOrNil(s string) []string {
	if s == "" {
		return nil
	}
	return []string{"/bin/sh", "-c", s}
}

func secondsToDuration(secs float64) time.Duration {
	if secs == 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// buildCohort assembles a validated Cohort from the raw command line,
// layering CLI-specified supervisor flags over defaults loaded from
// -defaults-file and ORDERLY_* environment variables (SPEC_FULL.md §6.1
// precedence: CLI > env > YAML > built-in default).
func buildCohort(args []string) (*config.Cohort, error) {
	cohort, _, err := buildCohortAndLoader(args)
	return cohort, err
}

// buildCohortAndLoader is buildCohort plus the DefaultsLoader used to
// assemble it, for callers (runSupervisor with -watch-defaults) that need
// to keep watching the same loader after the cohort is built.
func buildCohortAndLoader(args []string) (*config.Cohort, *config.DefaultsLoader, error) {
	supervisorArgs, groups := splitServiceGroups(args)

	flags, err := parseSupervisorFlags(supervisorArgs)
	if err != nil {
		return nil, nil, err
	}

	loader, err := config.NewDefaultsLoader(flags.defaultsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	defaults, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	cohort := config.DefaultCohort()
	cohort.MaxRestartTokens = defaults.MaxRestartTokens
	cohort.RestartTokensPerSecond = defaults.RestartTokensPerSecond
	cohort.CheckDelay = defaults.CheckDelay
	cohort.StatusFilePath = defaults.StatusFile

	if flags.maxRestartTokens >= 0 {
		cohort.MaxRestartTokens = flags.maxRestartTokens
	}
	if flags.restartTokensPerSecond >= 0 {
		cohort.RestartTokensPerSecond = flags.restartTokensPerSecond
	}
	if flags.checkDelay >= 0 {
		cohort.CheckDelay = secondsToDuration(flags.checkDelay)
	}
	if flags.statusFile != "" {
		cohort.StatusFilePath = flags.statusFile
	}

	if flags.cohortFile != "" {
		fileCohort, err := config.LoadCohortFile(flags.cohortFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load cohort file: %w", err)
		}
		cohort.Services = fileCohort.Services
	}

	for _, group := range groups {
		spec, err := parseServiceGroup(group)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid service group %v: %w", group, err)
		}
		cohort.Services = append(cohort.Services, spec)
	}

	if err := cohort.Validate(); err != nil {
		return nil, nil, err
	}
	return cohort, loader, nil
}

// lockFilePath returns the explicit -lock-file if set, otherwise the
// status file path with ".lock" appended, or empty if neither is
// configured (meaning no single-instance lock is taken).
func lockFilePath(flags *supervisorFlags, cohort *config.Cohort) string {
	if flags.lockFile != "" {
		return flags.lockFile
	}
	if cohort.StatusFilePath != "" {
		return cohort.StatusFilePath + ".lock"
	}
	return ""
}

var validLogFormats = map[string]bool{"text": true, "json": true}

func validateLogFormat(format string) error {
	if format == "" {
		return nil
	}
	if !validLogFormats[format] {
		return fmt.Errorf("invalid -log-format %q: must be %q or %q", format, "text", "json")
	}
	return nil
}
