package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestPIDAlive(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if PIDAlive(0) || PIDAlive(-4) {
		t.Error("non-positive pids are never alive")
	}
}

func TestSignalGroupStopsChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Detach(cmd)
	if err := cmd.Start(); err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := SignalGroup(cmd, unix.SIGTERM); err != nil {
		t.Fatalf("SignalGroup: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after SIGTERM")
	}
	if err := Signal(cmd.Process.Pid, unix.SIGTERM); err != nil {
		t.Errorf("signalling a reaped pid should be quiet, got %v", err)
	}
}
