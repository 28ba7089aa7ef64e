package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not on PATH")
	}
}

func TestRunCapturesBothStreams(t *testing.T) {
	requireShell(t)
	res, err := Run(context.Background(), NewExecLauncher(), Command{"sh", "-c", "echo out; echo err >&2"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
	if res.Pid <= 0 {
		t.Errorf("pid = %d", res.Pid)
	}
}

// A child that fills stderr before writing anything to stdout blocks forever
// against a reader that drains stdout first.
func TestRunDrainsStderrWhileStdoutIdle(t *testing.T) {
	requireShell(t)
	script := `i=0; while [ $i -lt 4000 ]; do echo xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx >&2; i=$((i+1)); done; echo done`
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := Run(ctx, NewExecLauncher(), Command{"sh", "-c", script})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "done" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if len(res.Stderr) < 64*1024 {
		t.Errorf("stderr only %d bytes", len(res.Stderr))
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	requireShell(t)
	res, err := Run(context.Background(), NewExecLauncher(), Command{"sh", "-c", "exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
}

func TestLaunchMissingExecutable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-binary")
	_, err := NewExecLauncher().Launch(context.Background(), Command{missing})
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("err = %v, want ErrLaunch", err)
	}
}

func TestLaunchEmptyCommand(t *testing.T) {
	_, err := NewExecLauncher().Launch(context.Background(), nil)
	if !errors.Is(err, ErrLaunch) {
		t.Fatalf("err = %v, want ErrLaunch", err)
	}
}

func TestCollectKillsOnDeadline(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Run(ctx, NewExecLauncher(), Command{"sh", "-c", "sleep 30"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("collect returned after %v", elapsed)
	}
}

func TestProbeCommand(t *testing.T) {
	unix := ProbeCommand("linux", 42)
	if unix.String() != "ps -p 42" {
		t.Errorf("linux probe = %q", unix.String())
	}
	win := ProbeCommand("windows", 42)
	if len(win) != 3 || win[0] != "cmd" || win[1] != "/c" {
		t.Fatalf("windows probe = %q", win)
	}
	if !strings.Contains(win[2], `tasklist /FI "PID eq 42"`) || !strings.HasSuffix(win[2], "findstr 42") {
		t.Errorf("windows probe body = %q", win[2])
	}
}

func TestAliveForOwnProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("tasklist probe not exercised here")
	}
	if _, err := exec.LookPath("ps"); err != nil {
		t.Skip("ps not on PATH")
	}
	alive, err := Alive(context.Background(), NewExecLauncher(), runtime.GOOS, os.Getpid())
	if err != nil {
		t.Fatalf("alive: %v", err)
	}
	if !alive {
		t.Fatal("own pid reported as not running")
	}
}

func TestCommandHelpers(t *testing.T) {
	c := Command{"LT", "-d", "start"}
	if !c.Contains("-d") || c.Contains("stop") {
		t.Fatalf("Contains mismatch for %v", c)
	}
	if c.String() != "LT -d start" {
		t.Fatalf("String = %q", c.String())
	}
}
