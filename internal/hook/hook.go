// SPDX-License-Identifier: MIT

// Package hook implements the Hook Invoker (spec.md §4.1): it spawns the
// single command associated with a (service, action) pair, injects the
// ORDERLY_* environment contract, and enforces a per-action timeout that
// escalates to a process-group SIGKILL on expiry.
//
// Grounded on the teacher's internal/stream.Manager process-spawn/wait
// pattern (context.WithTimeout + goroutine-bridged cmd.Wait, mutex-guarded
// cmd field) and on the process-group signal idiom used by this pack's
// other supervisor reference (Setpgid at spawn time, syscall.Kill(-pid, ...)
// to reach the whole group rather than a single process).
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/orderly-sh/orderly/internal/util"
)

// Action is one of the five verbs the engine dispatches to a hook.
type Action string

const (
	ActionRun         Action = "RUN"
	ActionWaitStarted Action = "WAIT_STARTED"
	ActionCheck       Action = "CHECK"
	ActionShutdown    Action = "SHUTDOWN"
	ActionCleanup     Action = "CLEANUP"
)

// Environment variable names injected into every hook process.
const (
	EnvServiceName = "ORDERLY_SERVICE_NAME"
	EnvAction      = "ORDERLY_ACTION"
	EnvRunPID      = "ORDERLY_RUN_PID"
)

// ErrSpawn indicates the hook binary could not be executed.
var ErrSpawn = errors.New("hook: spawn failure")

// ErrTimeout indicates the hook did not exit within its allotted timeout
// and was killed.
var ErrTimeout = errors.New("hook: timed out")

// ErrNonZero indicates the hook exited with a non-zero status.
var ErrNonZero = errors.New("hook: non-zero exit")

// Result describes the outcome of a blocking Invoke call: Invoke always
// waits for the hook to finish, and ExitCode and Err reflect the completed
// run. RUN children are started with InvokeRun instead, which returns a
// RunHandle without waiting.
type Result struct {
	Pid      int
	ExitCode int
	Err      error
}

// RunHandle is returned by InvokeRun: a still-running RUN child the caller
// (the Service Actor) must eventually Wait on or kill.
type RunHandle struct {
	cmd *exec.Cmd
	Pid int
}

// Wait blocks until the RUN child exits and returns its error (nil on a
// clean exit, *exec.ExitError otherwise).
func (h *RunHandle) Wait() error {
	return h.cmd.Wait()
}

// Signal delivers sig to the RUN child's process group.
func (h *RunHandle) Signal(sig syscall.Signal) error {
	if h.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-h.Pid, sig)
}

// InvokeRun spawns argv as the long-running RUN child of serviceName and
// returns immediately with its pid, per spec.md §4.1 ("the spawned process
// is the long-running service; invoke returns its pid immediately and does
// not wait"). The RUN child is placed in its own process group so that a
// later hook's timeout-kill (which targets the hook's own group) can never
// reach it.
func InvokeRun(serviceName string, argv []string) (*RunHandle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}

	// #nosec G204 - argv comes from operator-supplied service configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		EnvServiceName+"="+serviceName,
		EnvAction+"="+string(ActionRun),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	return &RunHandle{cmd: cmd, Pid: cmd.Process.Pid}, nil
}

// Invoke spawns argv for a non-RUN action, blocks until it exits or ctx's
// deadline/timeout elapses, and reports the outcome. On timeout it sends
// SIGKILL to the hook's own process group (never to runPID, which belongs
// to a separate group) and waits for it to be reaped before returning
// ErrTimeout.
func Invoke(ctx context.Context, serviceName string, action Action, runPID int, argv []string, timeout time.Duration) Result {
	if len(argv) == 0 {
		return Result{Err: nil} // no-op action: absent command succeeds immediately
	}

	env := append(os.Environ(),
		EnvServiceName+"="+serviceName,
		EnvAction+"="+string(action),
	)
	if runPID > 0 {
		env = append(env, fmt.Sprintf("%s=%d", EnvRunPID, runPID))
	}

	// #nosec G204 - argv comes from operator-supplied service configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrSpawn, err)}
	}
	pid := cmd.Process.Pid

	done := make(chan error, 1)
	util.SafeGo("hook-wait:"+serviceName+":"+string(action), nil, func() { done <- cmd.Wait() }, nil)

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case err := <-done:
		if err != nil {
			return Result{Pid: pid, ExitCode: exitCodeOf(err), Err: fmt.Errorf("%w: %v", ErrNonZero, err)}
		}
		return Result{Pid: pid, ExitCode: 0}

	case <-runCtx.Done():
		// Kill the hook's own process group, never runPID's.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done // reap
		return Result{Pid: pid, Err: ErrTimeout}
	}
}

func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
