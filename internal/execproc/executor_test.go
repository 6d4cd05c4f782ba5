package execproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStartAndTerminate(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	handle, err := Start(StartOptions{
		Command: "sleep 30",
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !handle.Alive() {
		t.Fatalf("expected process to be alive immediately after start")
	}
	if err := handle.Terminate(); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if !WaitExited(ctx, handle.PID(), 50*time.Millisecond) {
		t.Fatalf("expected process to exit after terminate")
	}
}

func TestStartWritesLogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	handle, err := Start(StartOptions{
		Command: "echo hello-from-child",
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	WaitExited(ctx, handle.PID(), 20*time.Millisecond)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if string(content) == "" {
		t.Fatalf("expected log file to contain child output")
	}
}

func TestPIDAliveFalseForUnusedPID(t *testing.T) {
	// A pid this large is exceedingly unlikely to be in use.
	if PIDAlive(1 << 30) {
		t.Fatalf("expected an unused pid to report not alive")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "out.log")
	// A command that ignores SIGTERM forces Stop to escalate to SIGKILL.
	handle, err := Start(StartOptions{
		Command: "trap '' TERM; sleep 30",
		LogFile: logPath,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	err = Stop(context.Background(), handle.PID(), "", nil, "", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if PIDAlive(handle.PID()) {
		t.Fatalf("expected process to be dead after Stop escalation")
	}
}
