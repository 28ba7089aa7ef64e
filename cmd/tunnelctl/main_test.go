package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	core "github.com/3cpo-dev/tunnelctl/internal/core"
	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return runCLIIn(t, t.TempDir(), args...)
}

// runCLIIn runs the CLI with configHome as XDG_CONFIG_HOME.
func runCLIIn(t *testing.T, configHome string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	t.Setenv("LT_USERNAME", "")
	t.Setenv("LT_ACCESS_KEY", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"proxyHost=10.0.0.1", "v", "dns=a=b"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts["proxyHost"] != "10.0.0.1" || opts["v"] != "true" || opts["dns"] != "a=b" {
		t.Fatalf("opts = %v", opts)
	}
	if _, err := parseOptions([]string{"=x"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "tunnelctl ") {
		t.Fatalf("output = %q", out)
	}
}

func TestCommandCmdMasksKey(t *testing.T) {
	out, err := runCLI(t, "command", "--binary", "/opt/LT", "--key", "secretkey123", "--name", "ci", "-o", "v")
	if err != nil {
		t.Fatalf("command: %v", err)
	}
	want := "/opt/LT -d start --key **** -tunnelName ci -v\n"
	if out != want {
		t.Fatalf("output = %q, want %q", out, want)
	}

	out, err = runCLI(t, "command", "--binary", "/opt/LT", "--key", "secretkey123", "--show-key")
	if err != nil {
		t.Fatalf("command --show-key: %v", err)
	}
	if !strings.Contains(out, "--key secretkey123") {
		t.Fatalf("output = %q", out)
	}
}

func TestCommandCmdNeedsKey(t *testing.T) {
	if _, err := runCLI(t, "command", "--binary", "/opt/LT"); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestStatusEmpty(t *testing.T) {
	out, err := runCLI(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "no tunnels recorded") {
		t.Fatalf("output = %q", out)
	}
}

func TestRenderStatus(t *testing.T) {
	rows := []statusRow{
		{Record: core.Record{Name: "ci", SessionID: "0123456789abcdef", StartedAt: time.Now(), Handle: api.Handle{PID: 42, BinaryPath: "/opt/LT"}}, Alive: aliveYes},
		{Record: core.Record{Name: "old", Handle: api.Handle{PID: 7}}, Alive: aliveNo},
	}
	out := renderStatus(rows)
	for _, want := range []string{"NAME", "ci", "running", "42", "01234567", "old", "dead"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789") {
		t.Error("session id not shortened")
	}
}

func TestKeygenWritesPrivateKey(t *testing.T) {
	home := t.TempDir()
	out, err := runCLIIn(t, home, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.HasPrefix(out, "ssh-ed25519 ") {
		t.Fatalf("output = %q, want an authorized key line", out)
	}
	path := filepath.Join(home, "tunnelctl", "id_ed25519")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key not written: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	if _, err := runCLIIn(t, home, "keygen"); err == nil {
		t.Fatal("expected refusal to overwrite an existing key")
	}
	again, err := runCLIIn(t, home, "keygen", "--force")
	if err != nil {
		t.Fatalf("keygen --force: %v", err)
	}
	if again == out {
		t.Fatal("--force kept the old key")
	}
}

func TestTrustAppendsKnownHost(t *testing.T) {
	home := t.TempDir()
	pub, err := runCLIIn(t, home, "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	fields := strings.Fields(pub)

	if _, err := runCLIIn(t, home, append([]string{"trust", "bastion.internal:2222"}, fields...)...); err != nil {
		t.Fatalf("trust with port: %v", err)
	}
	if _, err := runCLIIn(t, home, "trust", "bastion.internal", strings.TrimSpace(pub)); err != nil {
		t.Fatalf("trust default port: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, "tunnelctl", "known_hosts"))
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("known_hosts = %q", data)
	}
	if !strings.HasPrefix(lines[0], "[bastion.internal]:2222 ") || !strings.Contains(lines[0], fields[1]) {
		t.Errorf("line 1 = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "bastion.internal ") {
		t.Errorf("line 2 = %q", lines[1])
	}

	if _, err := runCLIIn(t, home, "trust", "bastion.internal", "not-a-key"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func TestWithKeyRestoresAccessKey(t *testing.T) {
	stored := api.Handle{BinaryPath: "/opt/LT", PID: 9, StartOptions: api.Options{"tunnelName": "ci"}}
	h := withKey(stored, api.Options{"key": "cfg-key", "tunnelName": "other"})
	if h.StartOptions["key"] != "cfg-key" || h.StartOptions["tunnelName"] != "ci" {
		t.Fatalf("options = %v", h.StartOptions)
	}
	if stored.StartOptions.Has("key") {
		t.Fatal("withKey mutated the stored handle")
	}
	if h := withKey(stored, api.Options{}); h.StartOptions.Has("key") {
		t.Fatalf("empty key layered in: %v", h.StartOptions)
	}
}
