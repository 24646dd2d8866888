// SPDX-License-Identifier: MIT

package hook

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func shArgv(script string) []string {
	return []string{"/bin/sh", "-c", script}
}

func TestInvokeEmptyCommandIsNoop(t *testing.T) {
	res := Invoke(context.Background(), "svc", ActionCheck, 0, nil, time.Second)
	if res.Err != nil {
		t.Fatalf("expected nil error for absent command, got %v", res.Err)
	}
}

func TestInvokeSuccess(t *testing.T) {
	res := Invoke(context.Background(), "svc", ActionCheck, 0, shArgv("exit 0"), time.Second)
	if res.Err != nil {
		t.Fatalf("expected success, got %v", res.Err)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	res := Invoke(context.Background(), "svc", ActionCheck, 0, shArgv("exit 7"), time.Second)
	if !errors.Is(res.Err, ErrNonZero) {
		t.Fatalf("expected ErrNonZero, got %v", res.Err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestInvokeTimeoutKillsHook(t *testing.T) {
	start := time.Now()
	res := Invoke(context.Background(), "svc", ActionCheck, 0, shArgv("sleep 99999"), 200*time.Millisecond)
	if !errors.Is(res.Err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", res.Err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout escalation took too long: %v", elapsed)
	}
}

func TestInvokeSpawnErrorForMissingBinary(t *testing.T) {
	res := Invoke(context.Background(), "svc", ActionCheck, 0, []string{"/no/such/binary-orderly-test"}, time.Second)
	if !errors.Is(res.Err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", res.Err)
	}
}

func TestInvokeInjectsEnvironment(t *testing.T) {
	out := t.TempDir() + "/env.out"
	script := "env > " + out
	res := Invoke(context.Background(), "my-service", ActionCheck, 4242, shArgv(script), time.Second)
	if res.Err != nil {
		t.Fatalf("Invoke: %v", res.Err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading captured env: %v", err)
	}
	env := string(data)

	for _, want := range []string{
		"ORDERLY_SERVICE_NAME=my-service",
		"ORDERLY_ACTION=CHECK",
		"ORDERLY_RUN_PID=4242",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("expected environment to contain %q, got:\n%s", want, env)
		}
	}
}

func TestInvokeOmitsRunPIDWhenZero(t *testing.T) {
	out := t.TempDir() + "/env.out"
	script := "env > " + out
	res := Invoke(context.Background(), "svc", ActionCleanup, 0, shArgv(script), time.Second)
	if res.Err != nil {
		t.Fatalf("Invoke: %v", res.Err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading captured env: %v", err)
	}
	if strings.Contains(string(data), "ORDERLY_RUN_PID=") {
		t.Errorf("expected ORDERLY_RUN_PID to be absent when runPID is 0")
	}
}

func TestInvokeRunReturnsImmediately(t *testing.T) {
	h, err := InvokeRun("svc", shArgv("sleep 0.2; exit 0"))
	if err != nil {
		t.Fatalf("InvokeRun: %v", err)
	}
	if h.Pid <= 0 {
		t.Fatalf("expected a positive pid, got %d", h.Pid)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestInvokeRunSpawnError(t *testing.T) {
	if _, err := InvokeRun("svc", []string{"/no/such/binary-orderly-test"}); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn, got %v", err)
	}
}

func TestInvokeRunEmptyCommand(t *testing.T) {
	if _, err := InvokeRun("svc", nil); !errors.Is(err, ErrSpawn) {
		t.Fatalf("expected ErrSpawn for empty command, got %v", err)
	}
}

func TestRunHandleSignalReachesProcessGroup(t *testing.T) {
	h, err := InvokeRun("svc", shArgv("trap 'exit 0' TERM; sleep 99999"))
	if err != nil {
		t.Fatalf("InvokeRun: %v", err)
	}

	// Give the shell a moment to install its trap before signalling.
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- h.Wait() }()

	if err := h.Signal(15 /* SIGTERM */); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RUN child did not exit after SIGTERM to its process group")
	}
}
