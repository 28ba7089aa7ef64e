package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// fakeAgent answers like the real agent: a status object on start, exit 0
// on stop, a version string on --version. It reports the pid handed to it
// through FAKE_AGENT_PID so the liveness probe finds a live process.
const fakeAgent = `#!/bin/sh
if [ "$1" = "--version" ]; then echo "3.0.12-build7"; exit 0; fi
echo "$@" >> "$FAKE_AGENT_LOG"
case "$3" in
start)
  echo "Starting tunnel..."
  echo '{"state":"connected","pid":'"$FAKE_AGENT_PID"',"message":{"message":"ok"}}'
  ;;
stop)
  echo '{"state":"stopped"}'
  ;;
esac
`

// TestFullWorkflow drives the built CLI through start, status and stop.
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if runtime.GOOS == "windows" {
		t.Skip("fake agent is a POSIX shell script")
	}
	if _, err := exec.LookPath("ps"); err != nil {
		t.Skip("ps not available")
	}

	tmpDir := t.TempDir()
	bin := filepath.Join(tmpDir, "tunnelctl")
	if err := buildBinary(bin); err != nil {
		t.Fatalf("Failed to build binary: %v", err)
	}

	agent := filepath.Join(tmpDir, "LT")
	if err := os.WriteFile(agent, []byte(fakeAgent), 0o755); err != nil {
		t.Fatalf("write fake agent: %v", err)
	}
	agentLog := filepath.Join(tmpDir, "agent.log")
	env := append(os.Environ(),
		"XDG_CONFIG_HOME="+filepath.Join(tmpDir, "config"),
		"LT_USERNAME=ci-user",
		"LT_ACCESS_KEY=ci-key",
		"FAKE_AGENT_LOG="+agentLog,
		fmt.Sprintf("FAKE_AGENT_PID=%d", os.Getpid()),
	)
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command(bin, args...)
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("tunnelctl %v failed: %v\nOutput: %s", args, err, out)
		}
		return string(out)
	}

	t.Run("Start", func(t *testing.T) {
		out := run("start", "--binary", agent, "--name", "it", "-o", "proxyHost=127.0.0.1")
		if !strings.Contains(out, fmt.Sprintf("tunnel it connected (pid %d", os.Getpid())) {
			t.Fatalf("unexpected start output: %s", out)
		}
	})

	t.Run("Status", func(t *testing.T) {
		out := run("status", "--name", "it")
		if !strings.Contains(out, "running") {
			t.Fatalf("status should report running: %s", out)
		}
		if ls := run("ls"); !strings.HasPrefix(ls, "it\t") {
			t.Fatalf("ls output: %s", ls)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		run("stop", "--name", "it")
		if out := run("ls"); strings.TrimSpace(out) != "" {
			t.Fatalf("record left after stop: %s", out)
		}
	})

	calls, err := os.ReadFile(agentLog)
	if err != nil {
		t.Fatalf("read agent log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(calls)), "\n")
	if len(lines) != 2 {
		t.Fatalf("agent invocations = %q", lines)
	}
	wantStart := "-d start --key ci-key -proxy-host 127.0.0.1 -tunnelName it -user ci-user"
	if lines[0] != wantStart {
		t.Fatalf("start args = %q, want %q", lines[0], wantStart)
	}
	if !strings.HasPrefix(lines[1], "-d stop --key ci-key") {
		t.Fatalf("stop args = %q", lines[1])
	}
}

func buildBinary(out string) error {
	cmd := exec.Command("go", "build", "-o", out, "./cmd/tunnelctl")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("build failed: %v\nOutput: %s", err, output)
	}
	return nil
}
