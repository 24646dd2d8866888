// SPDX-License-Identifier: MIT

// Package wizard provides an interactive terminal flow for building an
// orderly cohort file, using charmbracelet/huh the same way
// internal/menu drives its menus.
//
// Reference: internal/menu/menu.go
package wizard

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/orderly-sh/orderly/internal/config"
)

// Wizard drives the interactive cohort-building session.
type Wizard struct {
	input      io.Reader
	output     io.Writer
	accessible bool
}

// Option is a functional option for configuring a Wizard.
type Option func(*Wizard)

// WithInput sets the input reader (for testing).
func WithInput(r io.Reader) Option {
	return func(w *Wizard) { w.input = r }
}

// WithOutput sets the output writer (for testing).
func WithOutput(w io.Writer) Option {
	return func(wz *Wizard) { wz.output = w }
}

// WithAccessible enables accessible mode for screen readers.
func WithAccessible(accessible bool) Option {
	return func(w *Wizard) { w.accessible = accessible }
}

// New creates a Wizard.
func New(opts ...Option) *Wizard {
	w := &Wizard{
		input:  os.Stdin,
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run walks the operator through declaring a cohort: supervisor-level
// settings first, then one or more services in startup order. It returns
// the resulting Cohort without writing it anywhere; callers that want a
// file on disk should follow up with cohort.Save(path).
func (w *Wizard) Run() (*config.Cohort, error) {
	if w.input != os.Stdin {
		return w.runWithScanner()
	}
	return w.runWithForm()
}

func (w *Wizard) runWithForm() (*config.Cohort, error) {
	cohort := config.DefaultCohort()

	var maxTokens, checkDelaySecs string
	var tokensPerSec string
	var statusFile string

	maxTokens = strconv.Itoa(config.DefaultMaxRestartTokens)
	tokensPerSec = fmt.Sprintf("%g", config.DefaultRestartTokensPerSecond)
	checkDelaySecs = fmt.Sprintf("%g", config.DefaultCheckDelay.Seconds())

	cohortForm := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title("Restart token bucket capacity").Value(&maxTokens),
		huh.NewInput().Title("Restart token refill rate (tokens/second)").Value(&tokensPerSec),
		huh.NewInput().Title("Seconds between consecutive successful CHECKs").Value(&checkDelaySecs),
		huh.NewInput().Title("Status file path (blank for none)").Value(&statusFile),
	)).WithAccessible(w.accessible)

	if err := cohortForm.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return nil, fmt.Errorf("wizard aborted")
		}
		return nil, err
	}

	var err error
	if cohort.MaxRestartTokens, err = strconv.Atoi(strings.TrimSpace(maxTokens)); err != nil {
		return nil, fmt.Errorf("invalid restart token capacity: %w", err)
	}
	if cohort.RestartTokensPerSecond, err = strconv.ParseFloat(strings.TrimSpace(tokensPerSec), 64); err != nil {
		return nil, fmt.Errorf("invalid restart token refill rate: %w", err)
	}
	var delaySecs float64
	if delaySecs, err = strconv.ParseFloat(strings.TrimSpace(checkDelaySecs), 64); err != nil {
		return nil, fmt.Errorf("invalid check delay: %w", err)
	}
	cohort.CheckDelay = time.Duration(delaySecs * float64(time.Second))
	cohort.StatusFilePath = strings.TrimSpace(statusFile)

	for {
		svc, err := w.collectServiceForm(len(cohort.Services) + 1)
		if err != nil {
			return nil, err
		}
		cohort.Services = append(cohort.Services, svc)

		var again bool
		confirmForm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title("Add another service?").
				Affirmative("Yes").
				Negative("No").
				Value(&again),
		)).WithAccessible(w.accessible)
		if err := confirmForm.Run(); err != nil {
			if err == huh.ErrUserAborted {
				break
			}
			return nil, err
		}
		if !again {
			break
		}
	}

	if err := cohort.Validate(); err != nil {
		return nil, fmt.Errorf("cohort is invalid: %w", err)
	}
	return cohort, nil
}

// collectServiceForm prompts for one ServiceSpec. A blank command field
// for anything but run leaves that hook unconfigured (CommandFor returns
// ok=false). Commands are collected as a single shell line and wrapped
// in /bin/sh -c, the same idiom the engine's own tests use for hook
// scripts, so operators don't need to hand-quote argv elements.
func (w *Wizard) collectServiceForm(index int) (config.ServiceSpec, error) {
	var name, runCmd, waitStartedCmd, checkCmd, shutdownCmd, cleanupCmd string
	var checkDelaySecs string

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(fmt.Sprintf("Service #%d name", index)).Value(&name),
		huh.NewInput().Title("RUN command (shell line)").Value(&runCmd),
		huh.NewInput().Title("WAIT_STARTED command (blank to skip)").Value(&waitStartedCmd),
		huh.NewInput().Title("CHECK command (blank to skip)").Value(&checkCmd),
		huh.NewInput().Title("SHUTDOWN command (blank to skip)").Value(&shutdownCmd),
		huh.NewInput().Title("CLEANUP command (blank to skip)").Value(&cleanupCmd),
		huh.NewInput().Title("Check delay override in seconds (blank for cohort default)").Value(&checkDelaySecs),
	)).WithAccessible(w.accessible)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return config.ServiceSpec{}, fmt.Errorf("wizard aborted")
		}
		return config.ServiceSpec{}, err
	}

	svc := config.ServiceSpec{
		Name:           strings.TrimSpace(name),
		RunCmd:         shellArgv(runCmd),
		WaitStartedCmd: shellArgv(waitStartedCmd),
		CheckCmd:       shellArgv(checkCmd),
		ShutdownCmd:    shellArgv(shutdownCmd),
		CleanupCmd:     shellArgv(cleanupCmd),
	}

	if d := strings.TrimSpace(checkDelaySecs); d != "" {
		secs, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return config.ServiceSpec{}, fmt.Errorf("invalid check delay for %q: %w", svc.Name, err)
		}
		svc.CheckDelay = time.Duration(secs * float64(time.Second))
	}

	if err := svc.Validate(); err != nil {
		return config.ServiceSpec{}, err
	}
	return svc, nil
}

// shellArgv wraps a non-empty shell line in /bin/sh -c; a blank line
// returns nil, leaving the corresponding hook unconfigured.
func shellArgv(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	return []string{"/bin/sh", "-c", line}
}

// runWithScanner is the non-TTY fallback used under tests, mirroring
// internal/menu's displayWithScanner: same prompts, plain line-oriented
// I/O instead of a huh form.
func (w *Wizard) runWithScanner() (*config.Cohort, error) {
	scanner := bufio.NewScanner(w.input)
	cohort := config.DefaultCohort()

	readLine := func(prompt string) (string, bool) {
		_, _ = fmt.Fprintf(w.output, "%s: ", prompt)
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	if s, ok := readLine("Restart token bucket capacity"); ok && s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid restart token capacity: %w", err)
		}
		cohort.MaxRestartTokens = n
	}
	if s, ok := readLine("Restart token refill rate (tokens/second)"); ok && s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid restart token refill rate: %w", err)
		}
		cohort.RestartTokensPerSecond = f
	}
	if s, ok := readLine("Seconds between consecutive successful CHECKs"); ok && s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid check delay: %w", err)
		}
		cohort.CheckDelay = time.Duration(f * float64(time.Second))
	}
	if s, ok := readLine("Status file path (blank for none)"); ok {
		cohort.StatusFilePath = s
	}

	for {
		svc, err := w.collectServiceScanner(scanner, len(cohort.Services)+1)
		if err != nil {
			return nil, err
		}
		cohort.Services = append(cohort.Services, svc)

		again, ok := readLine("Add another service? [y/N]")
		if !ok || !(again == "y" || again == "yes" || again == "Y") {
			break
		}
	}

	if err := cohort.Validate(); err != nil {
		return nil, fmt.Errorf("cohort is invalid: %w", err)
	}
	return cohort, nil
}

func (w *Wizard) collectServiceScanner(scanner *bufio.Scanner, index int) (config.ServiceSpec, error) {
	readLine := func(prompt string) (string, bool) {
		_, _ = fmt.Fprintf(w.output, "%s: ", prompt)
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	name, ok := readLine(fmt.Sprintf("Service #%d name", index))
	if !ok {
		return config.ServiceSpec{}, fmt.Errorf("unexpected end of input")
	}
	runCmd, _ := readLine("RUN command (shell line)")
	waitStartedCmd, _ := readLine("WAIT_STARTED command (blank to skip)")
	checkCmd, _ := readLine("CHECK command (blank to skip)")
	shutdownCmd, _ := readLine("SHUTDOWN command (blank to skip)")
	cleanupCmd, _ := readLine("CLEANUP command (blank to skip)")
	checkDelaySecs, _ := readLine("Check delay override in seconds (blank for cohort default)")

	svc := config.ServiceSpec{
		Name:           name,
		RunCmd:         shellArgv(runCmd),
		WaitStartedCmd: shellArgv(waitStartedCmd),
		CheckCmd:       shellArgv(checkCmd),
		ShutdownCmd:    shellArgv(shutdownCmd),
		CleanupCmd:     shellArgv(cleanupCmd),
	}

	if checkDelaySecs != "" {
		secs, err := strconv.ParseFloat(checkDelaySecs, 64)
		if err != nil {
			return config.ServiceSpec{}, fmt.Errorf("invalid check delay for %q: %w", name, err)
		}
		svc.CheckDelay = time.Duration(secs * float64(time.Second))
	}

	if err := svc.Validate(); err != nil {
		return config.ServiceSpec{}, err
	}
	return svc, nil
}

// RunAndSave runs the wizard and, on success, saves the resulting cohort
// to path. If a cohort file already exists at path, it is backed up first
// via config.BackupBeforeSave so a bad wizard run never destroys the
// previous working cohort.
func (w *Wizard) RunAndSave(path string) (*config.Cohort, error) {
	cohort, err := w.Run()
	if err != nil {
		return nil, err
	}
	backupPath, err := config.BackupBeforeSave(cohort, path, config.GetBackupDir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to save cohort file: %w", err)
	}
	if backupPath != "" {
		_, _ = fmt.Fprintf(w.output, "Existing cohort backed up to %s\n", backupPath)
	}
	_, _ = fmt.Fprintf(w.output, "\nCohort written to %s\n", path)
	return cohort, nil
}
