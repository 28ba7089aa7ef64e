package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// ErrNoCustomSSH is returned when options do not describe an SSH endpoint.
var ErrNoCustomSSH = errors.New("customSSHHost not set")

// Option keys for the agent's custom SSH mode.
const (
	OptHost       = "customSSHHost"
	OptPort       = "customSSHPort"
	OptUser       = "customSSHUser"
	OptPrivateKey = "customSSHPrivateKey"
)

// Target is the SSH endpoint the agent will tunnel through.
type Target struct {
	Host    string
	Port    int
	User    string
	KeyPath string
}

func (t Target) Addr() string { return net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) }

// TargetFromOptions reads the customSSH* options. defaultKey is used when
// customSSHPrivateKey is absent.
func TargetFromOptions(opts api.Options, defaultKey string) (Target, error) {
	t := Target{
		Host:    strings.TrimSpace(opts[OptHost]),
		Port:    22,
		User:    strings.TrimSpace(opts[OptUser]),
		KeyPath: strings.TrimSpace(opts[OptPrivateKey]),
	}
	if t.Host == "" {
		return t, ErrNoCustomSSH
	}
	if p := strings.TrimSpace(opts[OptPort]); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return t, fmt.Errorf("invalid %s %q", OptPort, p)
		}
		t.Port = n
	}
	if t.User == "" {
		return t, fmt.Errorf("%s is required with %s", OptUser, OptHost)
	}
	if t.KeyPath == "" {
		t.KeyPath = defaultKey
	}
	if t.KeyPath == "" {
		return t, fmt.Errorf("%s is required with %s", OptPrivateKey, OptHost)
	}
	return t, nil
}

// PreflightResult describes a successful check.
type PreflightResult struct {
	Addr        string
	Fingerprint string
	Latency     time.Duration
}

// NewClient builds a client for t, checking host keys against knownHosts.
// Fingerprint reports the last host key presented to it.
func NewClient(t Target, knownHosts string, acceptNew bool, timeout time.Duration) (*Client, func() string, error) {
	signer, err := LoadPrivateKeySigner(t.KeyPath)
	if err != nil {
		return nil, nil, err
	}
	kh, err := LoadKnownHostsCallback(knownHosts, acceptNew)
	if err != nil {
		return nil, nil, err
	}
	var (
		mu          sync.Mutex
		fingerprint string
	)
	c := &Client{
		Addr:   t.Addr(),
		User:   t.User,
		Signer: signer,
		KnownHosts: func(hostname string, remote net.Addr, key xssh.PublicKey) error {
			mu.Lock()
			fingerprint = xssh.FingerprintSHA256(key)
			mu.Unlock()
			return kh(hostname, remote, key)
		},
		Timeout: timeout,
	}
	return c, func() string {
		mu.Lock()
		defer mu.Unlock()
		return fingerprint
	}, nil
}

// Preflight verifies that the agent's custom SSH endpoint accepts the key
// and can run a command, before the agent is asked to use it.
func Preflight(ctx context.Context, t Target, knownHosts string, acceptNew bool, timeout time.Duration) (*PreflightResult, error) {
	c, fingerprint, err := NewClient(t, knownHosts, acceptNew, timeout)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	out, err := c.RunCommand(ctx, "echo ok")
	if err != nil {
		return nil, fmt.Errorf("ssh %s@%s: %w", t.User, t.Addr(), err)
	}
	if strings.TrimSpace(out) != "ok" {
		return nil, fmt.Errorf("unexpected remote output %q", strings.TrimSpace(out))
	}
	return &PreflightResult{Addr: t.Addr(), Fingerprint: fingerprint(), Latency: time.Since(start)}, nil
}
