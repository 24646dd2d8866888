// SPDX-License-Identifier: MIT

// Package engine implements the Supervision Engine (spec.md §4.5): the
// top-level orchestrator that builds the cohort in declared order, drives
// the start-up phase, the steady-state check loop, and the two-pass
// reverse-order shutdown phase, writes the status file, and returns the
// process exit code.
//
// Grounded on internal/supervisor.Supervisor's Run/startService/
// runServiceLoop/shutdown shape (a select loop over context-done, a
// per-service restart loop, a WaitGroup-bounded shutdown with timeout),
// generalized from "N independently-restarted services with no declared
// order" to "a strictly-ordered cohort sharing one token-bucket restart
// budget, torn down in two reverse passes" (spec.md invariants 4 and 5).
//
// The steady-state multiplexer uses reflect.Select because the set of
// channels it waits on is dynamic: one RUN-exit channel per currently
// Running actor, plus the three signal-router events, plus a single timer
// for whichever actor's check_delay elapses soonest. Every one of those
// channels has exactly one owning reader — this loop — so there is never
// a second goroutine racing it for the same actor's RunExitChan.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/orderly-sh/orderly/internal/config"
	"github.com/orderly-sh/orderly/internal/restart"
	"github.com/orderly-sh/orderly/internal/service"
	"github.com/orderly-sh/orderly/internal/signalrouter"
	"github.com/orderly-sh/orderly/internal/statusfile"
)

// Phase is one of the four phases CohortState occupies over an engine run.
type Phase int

const (
	PhaseStartingUp Phase = iota
	PhaseRunning
	PhaseShuttingDown
	PhaseExited
)

func (p Phase) String() string {
	switch p {
	case PhaseStartingUp:
		return "starting_up"
	case PhaseRunning:
		return "running"
	case PhaseShuttingDown:
		return "shutting_down"
	case PhaseExited:
		return "exited"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// outcome describes why the steady-state loop returned, driving how Run
// finishes up.
type outcome int

const (
	outcomeGraceful   outcome = iota // SIGINT: proceed to the normal two-pass shutdown
	outcomeFastKilled                // SIGTERM: teardown already done inline, skip the phase
	outcomeFailure                   // restart budget exhausted / unrecoverable hook failure
	outcomeCtxDone                   // caller's context was cancelled, treated like SIGINT
)

// Engine owns one cohort run from start-up through exit.
type Engine struct {
	cohort *config.Cohort
	actors []*service.Actor

	bucket *restart.Bucket
	router *signalrouter.Router
	status *statusfile.Writer
	logger *slog.Logger

	nextCheckAt []time.Time
}

// New builds an Engine for cohort. Actors are constructed in cohort's
// declared order (which is also shutdown-reverse order per spec.md §3).
func New(cohort *config.Cohort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	actors := make([]*service.Actor, len(cohort.Services))
	for i, spec := range cohort.Services {
		actors[i] = service.New(spec)
	}
	return &Engine{
		cohort:      cohort,
		actors:      actors,
		bucket:      restart.New(cohort.MaxRestartTokens, cohort.RestartTokensPerSecond),
		router:      signalrouter.New(),
		status:      statusfile.New(cohort.StatusFilePath),
		logger:      logger,
		nextCheckAt: make([]time.Time, len(cohort.Services)),
	}
}

// Close releases the engine's signal handlers. Safe to call once, after
// Run returns.
func (e *Engine) Close() {
	e.router.Stop()
}

// Run drives the cohort through start-up, steady-state, and shutdown, and
// returns the process exit code (spec.md §6: 0 on clean shutdown with
// every hook successful, non-zero otherwise).
func (e *Engine) Run(ctx context.Context) int {
	_ = e.status.Write(statusfile.StateStarting)

	if err := e.startupPhase(ctx); err != nil {
		e.logger.Error("startup failed, tearing down", "err", err)
		shutdownErr := e.shutdownPhase(ctx)
		_ = e.status.Write(statusfile.StateExited)
		if shutdownErr != nil {
			e.logger.Error("shutdown phase also had failures", "err", shutdownErr)
		}
		return 1
	}

	_ = e.status.Write(statusfile.StateRunning)
	out, err := e.steadyState(ctx)

	exitCode := 0
	switch out {
	case outcomeFastKilled:
		// SIGTERM fast-kill already tore every RUN child down in reverse
		// order and deliberately skipped CLEANUP (spec.md §4.4); nothing
		// further to do.
	case outcomeGraceful, outcomeCtxDone:
		if shutdownErr := e.shutdownPhase(ctx); shutdownErr != nil {
			e.logger.Error("shutdown phase had failures", "err", shutdownErr)
			exitCode = 1
		}
	case outcomeFailure:
		e.logger.Error("steady-state failure, tearing down", "err", err)
		if shutdownErr := e.shutdownPhase(ctx); shutdownErr != nil {
			e.logger.Error("shutdown phase also had failures", "err", shutdownErr)
		}
		exitCode = 1
	}

	_ = e.status.Write(statusfile.StateExited)
	return exitCode
}

// startupPhase starts each service in declared order, requiring a
// successful RUN -> WAIT_STARTED -> CHECK before proceeding to the next
// (spec.md invariant 4).
func (e *Engine) startupPhase(ctx context.Context) error {
	for i, a := range e.actors {
		if err := a.Start(); err != nil {
			return fmt.Errorf("service %s: %w", a.Name(), err)
		}
		if err := a.WaitStarted(ctx); err != nil {
			return fmt.Errorf("service %s: %w", a.Name(), err)
		}
		if err := a.Check(ctx); err != nil {
			return fmt.Errorf("service %s: %w", a.Name(), err)
		}
		e.nextCheckAt[i] = time.Now().Add(e.checkDelay(i))
	}
	return nil
}

func (e *Engine) checkDelay(i int) time.Duration {
	return e.actors[i].Spec().EffectiveCheckDelay(e.cohort.CheckDelay)
}

// steadyState is the central multiplexer: it waits for the earliest of an
// unexpected RUN exit, a due CHECK, or a signal event, handles it, and
// loops. It returns when a signal requests shutdown, a restart is denied,
// or ctx is cancelled.
func (e *Engine) steadyState(ctx context.Context) (outcome, error) {
	for {
		cases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.router.Interrupted)},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.router.Terminated)},
			{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e.router.ChildExited)},
		}
		const (
			caseCtx = iota
			caseInterrupt
			caseTerminate
			caseChildExited
			caseDynamicBase
		)

		runningIdx := make([]int, 0, len(e.actors))
		for i, a := range e.actors {
			if a.State() != service.Running {
				continue
			}
			ch := a.RunExitChan()
			if ch == nil {
				continue
			}
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
			runningIdx = append(runningIdx, i)
		}

		timerCase := -1
		var timer *time.Timer
		if d, ok := e.nextDeadline(); ok {
			timer = time.NewTimer(d)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
			timerCase = len(cases) - 1
		}

		chosen, recv, _ := reflect.Select(cases)
		if timer != nil && chosen != timerCase {
			timer.Stop()
		}

		switch {
		case chosen == caseCtx:
			return outcomeCtxDone, ctx.Err()

		case chosen == caseInterrupt:
			return outcomeGraceful, nil

		case chosen == caseTerminate:
			e.fastKillAll()
			return outcomeFastKilled, nil

		case chosen == caseChildExited:
			// Nothing to do beyond waking up: the real signal of a RUN
			// exit arrives on that actor's own RunExitChan case below, on
			// this same iteration or the next one.
			continue

		case timerCase >= 0 && chosen == timerCase:
			if out, err := e.runDueChecks(ctx); err != nil {
				return out, err
			}

		default:
			idx := runningIdx[chosen-caseDynamicBase]
			var exitErr error
			if v, ok := recv.Interface().(error); ok {
				exitErr = v
			}
			a := e.actors[idx]
			a.MarkRunExited(exitErr)
			e.logger.Warn("run child exited unexpectedly", "service", a.Name(), "err", exitErr)
			if out, err := e.recoverFromFailure(ctx, idx); err != nil {
				return out, err
			}
		}
	}
}

// nextDeadline returns the duration until the soonest upcoming CHECK
// across all Running actors, and whether any such actor exists.
func (e *Engine) nextDeadline() (time.Duration, bool) {
	found := false
	var earliest time.Time
	for i, a := range e.actors {
		if a.State() != service.Running {
			continue
		}
		if !found || e.nextCheckAt[i].Before(earliest) {
			earliest = e.nextCheckAt[i]
			found = true
		}
	}
	if !found {
		return 0, false
	}
	d := time.Until(earliest)
	if d < 0 {
		d = 0
	}
	return d, true
}

// runDueChecks issues CHECK for every Running actor whose check_delay has
// elapsed. A failing CHECK is handled the same way as an unexpected RUN
// exit: consume a restart token and either restart or escalate to
// shutdown.
func (e *Engine) runDueChecks(ctx context.Context) (outcome, error) {
	now := time.Now()
	for i, a := range e.actors {
		if a.State() != service.Running {
			continue
		}
		if e.nextCheckAt[i].After(now) {
			continue
		}
		if err := a.Check(ctx); err != nil {
			e.logger.Warn("check failed", "service", a.Name(), "err", err)
			if out, rerr := e.recoverFromFailure(ctx, i); rerr != nil {
				return out, rerr
			}
			continue
		}
		e.nextCheckAt[i] = now.Add(e.checkDelay(i))
	}
	return outcomeGraceful, nil
}

// recoverFromFailure consumes one restart token for the actor at idx and
// either performs a targeted restart (spec.md §4.5) or reports an
// unrecoverable failure that must transition the whole cohort to
// shutdown.
func (e *Engine) recoverFromFailure(ctx context.Context, idx int) (outcome, error) {
	a := e.actors[idx]

	if !e.bucket.Allow() {
		return outcomeFailure, fmt.Errorf("service %s: restart budget exhausted", a.Name())
	}

	if err := e.restartActor(ctx, idx); err != nil {
		return outcomeFailure, fmt.Errorf("service %s: restart failed: %w", a.Name(), err)
	}
	e.logger.Info("restarted service", "service", a.Name(), "tokens_remaining", e.bucket.Tokens())
	return outcomeGraceful, nil
}

// restartActor runs best-effort SHUTDOWN (the RUN child may already be
// dead), CLEANUP, then the full start()/wait_started()/check() sequence
// again. This executes entirely within the single steady-state goroutine,
// so no other service's cadence-driven CHECK can be issued while it runs
// (spec.md §5: "Restart of a single service preserves order").
func (e *Engine) restartActor(ctx context.Context, idx int) error {
	a := e.actors[idx]

	_ = a.Shutdown(ctx) // best-effort; hook failure here doesn't block cleanup
	if err := a.Cleanup(ctx); err != nil {
		return err
	}
	if err := a.ResetForRestart(); err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	if err := a.WaitStarted(ctx); err != nil {
		return err
	}
	if err := a.Check(ctx); err != nil {
		return err
	}
	e.nextCheckAt[idx] = time.Now().Add(e.checkDelay(idx))
	return nil
}

// fastKillAll implements the SIGTERM path (spec.md §4.4): reverse-order
// SIGKILL of every live RUN child, skipping SHUTDOWN/CLEANUP entirely.
func (e *Engine) fastKillAll() {
	for i := len(e.actors) - 1; i >= 0; i-- {
		a := e.actors[i]
		switch a.State() {
		case service.Running, service.Starting, service.Failed:
			a.KillHard()
		}
	}
}

// shutdownPhase tears the cohort down in two reverse passes (spec.md
// §4.5 / §9): every Running-or-equivalent service's SHUTDOWN runs before
// any service's CLEANUP, guaranteeing all children have been signalled
// before any cleanup script runs (e.g. removing a fifo another service's
// shutdown hook still depends on).
func (e *Engine) shutdownPhase(ctx context.Context) error {
	var failed bool

	for i := len(e.actors) - 1; i >= 0; i-- {
		a := e.actors[i]
		switch a.State() {
		case service.Running, service.Starting:
		case service.Failed:
			if !a.EverSpawned() {
				continue
			}
		default:
			continue
		}
		if err := a.Shutdown(ctx); err != nil {
			e.logger.Error("shutdown hook failed", "service", a.Name(), "err", err)
			failed = true
		}
	}

	for i := len(e.actors) - 1; i >= 0; i-- {
		a := e.actors[i]
		if !a.EverSpawned() {
			continue
		}
		if a.State() == service.CleanedUp {
			continue
		}
		if err := a.Cleanup(ctx); err != nil {
			e.logger.Error("cleanup hook failed", "service", a.Name(), "err", err)
			failed = true
		}
	}

	if failed {
		return errors.New("engine: one or more services failed to shut down cleanly")
	}
	return nil
}
