// SPDX-License-Identifier: MIT

// Command orderly starts an ordered cohort of user-defined services,
// health-checks them, and tears them down in reverse order on shutdown
// or fatal error.
//
// Usage:
//
//	orderly <supervisor-flags>... -- <service-spec> [ -- <service-spec> ]...
//	orderly doctor [-cohort-file PATH] [-status-file PATH] [-lock-file PATH]
//	orderly wizard [-out PATH]
//	orderly selfupdate [-check]
//	orderly version
//	orderly help
//
// Grounded on cmd/lyrebird/main.go's run(args) error subcommand switch
// and cmd/lyrebird-stream/main.go's flag/logger/context wiring.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
	"github.com/orderly-sh/orderly/internal/diagnostics"
	"github.com/orderly-sh/orderly/internal/engine"
	"github.com/orderly-sh/orderly/internal/lock"
	"github.com/orderly-sh/orderly/internal/selfupdate"
	"github.com/orderly-sh/orderly/internal/util"
	"github.com/orderly-sh/orderly/internal/wizard"
)

// Version is set via ldflags at build time.
var Version = "dev"

const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the entire program, extracted for testability. It returns the
// process exit code rather than calling os.Exit directly.
func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return exitError
	}

	switch args[0] {
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return exitSuccess
	case "version", "--version", "-v":
		fmt.Printf("orderly %s\n", Version)
		return exitSuccess
	case "doctor":
		return runDoctor(args[1:])
	case "wizard":
		return runWizard(args[1:])
	case "selfupdate":
		return runSelfupdate(args[1:])
	default:
		return runSupervisor(args)
	}
}

// runSupervisor is the default invocation: build a cohort from the
// spec.md §6 argv grammar and drive it through the engine until shutdown.
func runSupervisor(args []string) int {
	cohort, loader, err := buildCohortAndLoader(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly: %v\n", err)
		return exitError
	}

	supervisorArgs, _ := splitServiceGroups(args)
	flags, err := parseSupervisorFlags(supervisorArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly: %v\n", err)
		return exitError
	}
	logFormat := flags.logFormat
	if logFormat == "" {
		if d, err := loader.Load(); err == nil {
			logFormat = d.LogFormat
		}
	}
	if err := validateLogFormat(logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "orderly: %v\n", err)
		return exitError
	}
	if flags.watchDefaults && flags.defaultsFile == "" {
		fmt.Fprintln(os.Stderr, "orderly: -watch-defaults requires -defaults-file")
		return exitError
	}

	logger := newLogger(logFormat)

	if lf := lockFilePath(flags, cohort); lf != "" {
		fl, err := lock.NewFileLock(lf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "orderly: failed to set up lock file: %v\n", err)
			return exitError
		}
		if err := fl.Acquire(10 * time.Second); err != nil {
			fmt.Fprintf(os.Stderr, "orderly: another instance appears to be running: %v\n", err)
			return exitError
		}
		defer func() { _ = fl.Close() }()
	}

	e := engine.New(cohort, logger)
	defer e.Close()

	ctx := context.Background()
	if flags.watchDefaults {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()

		util.SafeGo("defaults-watch", nil, func() {
			_ = loader.Watch(ctx, func(err error) {
				if err != nil {
					logger.Error("defaults reload failed", "error", err)
					return
				}
				logger.Info("defaults reloaded")
			})
		}, nil)
	}

	return e.Run(ctx)
}

// runDoctor runs the orderly doctor preflight checks against a cohort
// built the same way the supervisor itself would build one.
func runDoctor(args []string) int {
	cohort, err := buildCohort(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly doctor: %v\n", err)
		return exitError
	}

	supervisorArgs, _ := splitServiceGroups(args)
	flags, err := parseSupervisorFlags(supervisorArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly doctor: %v\n", err)
		return exitError
	}

	runner := diagnostics.NewRunner(diagnostics.Options{
		Cohort:   cohort,
		LockFile: lockFilePath(flags, cohort),
		Output:   os.Stdout,
	})

	report, err := runner.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly doctor: %v\n", err)
		return exitError
	}

	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		return exitError
	}
	return exitSuccess
}

// runWizard launches the interactive cohort-definition wizard and writes
// the result to -out (default "cohort.yaml").
func runWizard(args []string) int {
	out := "cohort.yaml"
	for i := 0; i < len(args); i++ {
		if args[i] == "-out" && i+1 < len(args) {
			out = args[i+1]
			i++
		}
	}

	w := wizard.New()
	if _, err := w.RunAndSave(out); err != nil {
		fmt.Fprintf(os.Stderr, "orderly wizard: %v\n", err)
		return exitError
	}
	return exitSuccess
}

// runSelfupdate checks GitHub releases for a newer orderly build and, when
// one is available and -check was not passed, replaces the running binary.
func runSelfupdate(args []string) int {
	checkOnly := false
	for _, a := range args {
		if a == "-check" || a == "--check" {
			checkOnly = true
		}
	}

	u := selfupdate.New(selfupdate.WithCurrentVersion(Version))
	ctx := context.Background()

	info, err := u.CheckForUpdates(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly selfupdate: %v\n", err)
		return exitError
	}

	fmt.Print(selfupdate.FormatUpdateInfo(info))
	if !info.UpdateAvailable || checkOnly {
		return exitSuccess
	}

	binaryPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "orderly selfupdate: cannot determine binary path: %v\n", err)
		return exitError
	}

	if _, err := u.Update(ctx, info, binaryPath, nil); err != nil {
		fmt.Fprintf(os.Stderr, "orderly selfupdate: update failed: %v\n", err)
		return exitError
	}
	fmt.Printf("Updated to %s\n", info.LatestVersion)
	return exitSuccess
}

// newLogger builds the engine's *slog.Logger, text by default and JSON
// when -log-format json is passed (SPEC_FULL.md §6.1).
func newLogger(format string) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func printUsage(w *os.File) {
	fmt.Fprintf(w, `orderly - ordered process supervisor

USAGE:
    orderly <supervisor-flags>... -- <service-spec> [ -- <service-spec> ]...
    orderly doctor [flags]
    orderly wizard [-out PATH]
    orderly selfupdate [-check]
    orderly version
    orderly help

SUPERVISOR FLAGS:
    -max-restart-tokens N          restart token-bucket capacity (default %d)
    -restart-tokens-per-second F   restart token refill rate (default %g)
    -check-delay SECONDS           interval between consecutive CHECKs
    -status-file PATH              atomic status file location
    -lock-file PATH                single-instance lock file (default: status-file + ".lock")
    -cohort-file PATH              YAML cohort file, alternative to -- service groups
    -defaults-file PATH            optional YAML file of supervisor-level defaults
    -watch-defaults                watch -defaults-file for changes and log reloads (requires -defaults-file)
    -log-format text|json          log output format (default text)

PER-SERVICE FLAGS (one group per "--"-delimited <service-spec>):
    -name NAME                     required service name
    -all-commands CMD              one script handling every action
    -run, -wait-started, -check, -shutdown, -cleanup CMD
                                    per-action scripts, override -all-commands
    -wait-started-timeout, -check-timeout, -shutdown-timeout, -cleanup-timeout SECONDS

EXAMPLE:
    orderly -status-file /run/orderly/status -- -name web -run "python3 -m http.server" --
`, config.DefaultMaxRestartTokens, config.DefaultRestartTokensPerSecond)
}
