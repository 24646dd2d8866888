// SPDX-License-Identifier: MIT

// Package signalrouter implements the Signal Router (spec.md §4.4):
// installs handlers for SIGINT, SIGTERM, and SIGCHLD, and turns them into
// channel events the Engine polls at its own safe points rather than
// acting on from within signal context.
//
// Grounded on other_examples/bcccc03c_sunlightlinux-slinit__pkg-eventloop-loop.go.go
// (SetupSignals/handleSignal: the signal.Notify-to-channel bridge) and on
// the teacher's cmd/lyrebird-stream/main.go signal.Notify usage,
// generalized from "any signal cancels a context" to the spec's three
// distinct events.
//
// Unlike that reference's reapOrphans, this router does not itself call
// wait4(-1, ...): every child orderly spawns is an os/exec.Cmd owned by
// exactly one goroutine blocked in cmd.Wait() (hook.RunHandle.Wait for a
// RUN child, the blocking call inside hook.Invoke for a transient hook).
// A second, untargeted wait4(-1) here would race that owner and could
// steal its child's exit status out from under it, leaving the owning
// Wait() call blocked forever on an already-reaped pid. SIGCHLD therefore
// only wakes the Engine to re-poll its own per-service exit channels;
// reaping itself stays exclusively with each child's os/exec owner.
package signalrouter

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/orderly-sh/orderly/internal/util"
)

// Router converts the process's SIGINT/SIGTERM/SIGCHLD into buffered
// channel events. It does not reap children itself; see the package doc.
type Router struct {
	sigCh chan os.Signal

	// Interrupted fires (at most once per signal) on SIGINT.
	Interrupted chan struct{}
	// Terminated fires (at most once per signal) on SIGTERM.
	Terminated chan struct{}
	// ChildExited fires on SIGCHLD so the Engine can re-poll its
	// per-service exit channels for a RUN child that just died.
	ChildExited chan struct{}

	done chan struct{}
}

// New installs signal handlers and starts the dispatch goroutine. Call
// Stop to uninstall them.
func New() *Router {
	r := &Router{
		sigCh:       make(chan os.Signal, 8),
		Interrupted: make(chan struct{}, 1),
		Terminated:  make(chan struct{}, 1),
		ChildExited: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	signal.Notify(r.sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGCHLD)

	util.SafeGo("signalrouter-dispatch", nil, r.dispatch, nil)

	return r
}

// Stop uninstalls the signal handlers and terminates the dispatch
// goroutine. Safe to call once.
func (r *Router) Stop() {
	signal.Stop(r.sigCh)
	close(r.done)
}

func (r *Router) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case sig := <-r.sigCh:
			switch sig {
			case syscall.SIGINT:
				notify(r.Interrupted)
			case syscall.SIGTERM:
				notify(r.Terminated)
			case syscall.SIGCHLD:
				notify(r.ChildExited)
			}
		}
	}
}

// notify sets a one-shot event without blocking if it is already pending.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
