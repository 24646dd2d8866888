// SPDX-License-Identifier: MIT

// Package service implements the Service Actor (spec.md §4.2): a
// mutex-guarded state machine owning one ServiceSpec's lifecycle and the
// pid of its RUN child. The Engine drives every transition by calling the
// operations below; the Actor never self-initiates a transition.
//
// Grounded on internal/supervisor.ServiceState's int-enum + String()
// convention, generalized from the teacher's five-state idle/running/
// stopping/failed/stopped model to spec.md's six-state lifecycle and from
// an automatically-restarting Service interface to an Engine-directed
// actor with no self-restart logic of its own.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
	"github.com/orderly-sh/orderly/internal/hook"
	"github.com/orderly-sh/orderly/internal/util"
)

// Lifecycle is one of the six states a Service Actor may occupy.
type Lifecycle int

const (
	NotStarted Lifecycle = iota
	Starting
	Running
	ShuttingDown
	CleanedUp
	Failed
)

func (l Lifecycle) String() string {
	switch l {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case CleanedUp:
		return "cleaned_up"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ErrWrongState is returned when an operation is invoked from a lifecycle
// state that does not permit it.
var ErrWrongState = errors.New("service: operation not valid in current state")

// Actor drives one ServiceSpec through its lifecycle. At most one hook is
// ever in flight per Actor at a time (spec.md invariant 3): every
// operation below takes Actor.mu for its entire duration, including the
// blocking hook invocation, so a concurrent call from the Engine serializes
// behind it rather than racing it.
type Actor struct {
	mu sync.Mutex

	spec         config.ServiceSpec
	lifecycle    Lifecycle
	run          *hook.RunHandle
	spawned      bool
	lastCheckOK  time.Time
	failedReason error

	// runExited delivers the RUN child's Wait() result exactly once, from
	// the single goroutine Start spawns to own that call. Every other
	// consumer — the Engine's steady-state liveness watch via
	// RunExitChan, and Shutdown/KillHard's own escalation wait — reads
	// this same channel rather than calling Wait a second time, since
	// os/exec permits exactly one Wait per Cmd.
	runExited chan error
}

// New creates an Actor for spec in state NotStarted.
func New(spec config.ServiceSpec) *Actor {
	return &Actor{spec: spec, lifecycle: NotStarted}
}

// Name returns the service's configured name.
func (a *Actor) Name() string { return a.spec.Name }

// Spec returns the actor's immutable ServiceSpec.
func (a *Actor) Spec() config.ServiceSpec { return a.spec }

// State returns the actor's current lifecycle state.
func (a *Actor) State() Lifecycle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifecycle
}

// RunPID returns the pid of the live RUN child, or 0 if none.
func (a *Actor) RunPID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run == nil {
		return 0
	}
	return a.run.Pid
}

// FailedReason returns the error that drove this actor to Failed, or nil.
func (a *Actor) FailedReason() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failedReason
}

// EverSpawned reports whether the RUN child was ever actually spawned,
// even if it has since exited or Start itself later failed (e.g. a
// WAIT_STARTED timeout). Deliberately distinct from "lifecycle left
// NotStarted": Start can transition straight to Failed without spawning
// anything, for a missing run_cmd or a SpawnError. Used by the Engine to
// decide whether CLEANUP must still run for a service that failed before
// reaching Running (spec.md §4.5: "their CLEANUP is still invoked if and
// only if their RUN had been spawned").
func (a *Actor) EverSpawned() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spawned
}

// Start spawns the RUN child and transitions NotStarted -> Starting.
func (a *Actor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != NotStarted {
		return fmt.Errorf("%w: Start requires NotStarted, got %s", ErrWrongState, a.lifecycle)
	}

	argv, _ := a.spec.CommandFor(config.ActionRun)
	if len(argv) == 0 {
		a.lifecycle = Failed
		a.failedReason = fmt.Errorf("service %s: no run_cmd configured", a.spec.Name)
		return a.failedReason
	}

	h, err := hook.InvokeRun(a.spec.Name, argv)
	if err != nil {
		a.lifecycle = Failed
		a.failedReason = fmt.Errorf("service %s: %w", a.spec.Name, err)
		return a.failedReason
	}

	a.run = h
	a.spawned = true
	// Exactly one goroutine ever calls h.Wait(), started here and living
	// for the RUN child's whole life. Every later consumer (the Engine's
	// steady-state watch via RunExitChan, and Shutdown/KillHard's own
	// escalation wait) reads runExited instead of calling Wait again.
	a.runExited = make(chan error, 1)
	util.SafeGo("service-wait:"+a.spec.Name, nil, func() { a.runExited <- h.Wait() }, nil)
	a.lifecycle = Starting
	return nil
}

// RunExitChan returns the channel that will receive the RUN child's exit
// error exactly once, or nil if no RUN child has ever been spawned. The
// Engine selects on this to detect an unexpected exit during the
// steady-state loop; consuming from it elsewhere (Shutdown, KillHard)
// must not happen concurrently with the Engine also reading it for the
// same actor.
func (a *Actor) RunExitChan() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runExited
}

// WaitStarted invokes the WAIT_STARTED hook. Requires Starting.
func (a *Actor) WaitStarted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != Starting {
		return fmt.Errorf("%w: WaitStarted requires Starting, got %s", ErrWrongState, a.lifecycle)
	}
	return a.invokeLocked(ctx, config.ActionWaitStarted)
}

// Check invokes the CHECK hook. Requires Starting or Running. On success
// the Actor transitions to (or remains) Running and records the check
// time.
func (a *Actor) Check(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != Starting && a.lifecycle != Running {
		return fmt.Errorf("%w: Check requires Starting or Running, got %s", ErrWrongState, a.lifecycle)
	}
	if err := a.invokeLocked(ctx, config.ActionCheck); err != nil {
		return err
	}
	a.lifecycle = Running
	a.lastCheckOK = time.Now()
	return nil
}

// invokeLocked runs a non-RUN hook for action and, on failure, marks the
// actor Failed. Caller must hold a.mu.
func (a *Actor) invokeLocked(ctx context.Context, action config.Action) error {
	argv, _ := a.spec.CommandFor(action)
	if len(argv) == 0 {
		return nil // absent command: no-op success
	}

	res := hook.Invoke(ctx, a.spec.Name, hookAction(action), a.runPIDLocked(), argv, a.spec.TimeoutFor(action))
	if res.Err != nil {
		a.lifecycle = Failed
		a.failedReason = fmt.Errorf("service %s action %s: %w", a.spec.Name, action, res.Err)
		return a.failedReason
	}
	return nil
}

// runPIDLocked returns the RUN pid without acquiring a.mu; callers must
// already hold it.
func (a *Actor) runPIDLocked() int {
	if a.run == nil {
		return 0
	}
	return a.run.Pid
}

func hookAction(a config.Action) hook.Action {
	switch a {
	case config.ActionRun:
		return hook.ActionRun
	case config.ActionWaitStarted:
		return hook.ActionWaitStarted
	case config.ActionCheck:
		return hook.ActionCheck
	case config.ActionShutdown:
		return hook.ActionShutdown
	case config.ActionCleanup:
		return hook.ActionCleanup
	default:
		return hook.Action(a)
	}
}

// Shutdown invokes the SHUTDOWN hook (expected to terminate the RUN
// child), then waits for the RUN child to exit bounded by shutdown_timeout;
// on timeout it escalates by SIGKILLing the RUN pid directly and waits
// again with no further timeout. Requires Running or Starting, or Failed
// with a RUN child still spawned: a service that failed its own
// WAIT_STARTED/CHECK still needs its SHUTDOWN/CLEANUP run against the RUN
// child it spawned before the engine can move on (spec.md §8 S2/S3).
func (a *Actor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != Running && a.lifecycle != Starting && !(a.lifecycle == Failed && a.spawned) {
		return fmt.Errorf("%w: Shutdown requires Running, Starting, or Failed-with-spawned-RUN, got %s", ErrWrongState, a.lifecycle)
	}

	// Best-effort: the SHUTDOWN hook's own failure does not prevent us
	// from still waiting for / escalating against the RUN child below.
	argv, _ := a.spec.CommandFor(config.ActionShutdown)
	var shutdownErr error
	if len(argv) > 0 {
		res := hook.Invoke(ctx, a.spec.Name, hook.ActionShutdown, a.runPIDLocked(), argv, a.spec.TimeoutFor(config.ActionShutdown))
		shutdownErr = res.Err
	}

	if a.run != nil {
		a.waitOrKillRunLocked()
	}

	a.lifecycle = ShuttingDown
	if shutdownErr != nil {
		return fmt.Errorf("service %s: shutdown hook: %w", a.spec.Name, shutdownErr)
	}
	return nil
}

// waitOrKillRunLocked waits for the RUN child to exit within
// shutdown_timeout by reading runExited (never calling Wait directly —
// the goroutine started in Start owns that call); on expiry it SIGKILLs
// the RUN pid and reads runExited again with no further timeout. Caller
// must hold a.mu.
func (a *Actor) waitOrKillRunLocked() {
	timeout := a.spec.TimeoutFor(config.ActionShutdown)
	if timeout <= 0 {
		<-a.runExited
		a.run = nil
		return
	}

	select {
	case <-a.runExited:
	case <-time.After(timeout):
		_ = a.run.Signal(syscall.SIGKILL)
		<-a.runExited
	}
	a.run = nil
}

// Cleanup invokes the CLEANUP hook. Requires ShuttingDown or Failed.
// Transitions to CleanedUp on success, Failed on hook failure.
func (a *Actor) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != ShuttingDown && a.lifecycle != Failed {
		return fmt.Errorf("%w: Cleanup requires ShuttingDown or Failed, got %s", ErrWrongState, a.lifecycle)
	}

	argv, _ := a.spec.CommandFor(config.ActionCleanup)
	if len(argv) > 0 {
		res := hook.Invoke(ctx, a.spec.Name, hook.ActionCleanup, a.runPIDLocked(), argv, a.spec.TimeoutFor(config.ActionCleanup))
		if res.Err != nil {
			a.lifecycle = Failed
			a.failedReason = fmt.Errorf("service %s: cleanup hook: %w", a.spec.Name, res.Err)
			return a.failedReason
		}
	}

	a.lifecycle = CleanedUp
	return nil
}

// KillHard unconditionally SIGKILLs the RUN pid if live, skipping
// SHUTDOWN/CLEANUP entirely. Used on SIGTERM fast-kill (spec.md §4.4).
func (a *Actor) KillHard() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.run != nil {
		_ = a.run.Signal(syscall.SIGKILL)
		<-a.runExited
		a.run = nil
	}
	a.lifecycle = CleanedUp
}

// MarkRunExited records that the RUN child exited on its own (unexpected
// exit during the steady-state loop), transitioning Running -> Failed.
// Returns false if there was no live RUN child to report. Callers must
// already have consumed the exit error from RunExitChan (this only
// updates bookkeeping, it does not itself wait).
func (a *Actor) MarkRunExited(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.run == nil {
		return false
	}
	a.run = nil
	a.lifecycle = Failed
	a.failedReason = fmt.Errorf("service %s: run child exited unexpectedly: %w", a.spec.Name, orNilErr(err))
	return true
}

func orNilErr(err error) error {
	if err == nil {
		return errors.New("exit status 0")
	}
	return err
}

// ResetForRestart returns the actor to NotStarted so Start may be called
// again. Requires CleanedUp or Failed, with no live RUN child.
func (a *Actor) ResetForRestart() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lifecycle != CleanedUp && a.lifecycle != Failed {
		return fmt.Errorf("%w: ResetForRestart requires CleanedUp or Failed, got %s", ErrWrongState, a.lifecycle)
	}
	if a.run != nil {
		return fmt.Errorf("service %s: cannot reset with a live RUN pid %d", a.spec.Name, a.run.Pid)
	}
	a.lifecycle = NotStarted
	a.failedReason = nil
	a.spawned = false
	a.runExited = nil
	return nil
}
