package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/tunnelctl/pkg/api"
)

// testServer is an in-process SSH endpoint that answers "echo ok" and
// serves the sftp subsystem on the local filesystem.
type testServer struct {
	addr    string
	hostKey xssh.PublicKey
	ln      net.Listener
}

func startTestServer(t *testing.T, authorized xssh.PublicKey) *testServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := xssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &xssh.Permissions{}, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return &testServer{addr: ln.Addr().String(), hostKey: hostSigner.PublicKey(), ln: ln}
}

func serveConn(conn net.Conn, cfg *xssh.ServerConfig) {
	_, chans, reqs, err := xssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	go xssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(xssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch xssh.Channel, requests <-chan *xssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = xssh.Unmarshal(req.Payload, &payload)
			_ = req.Reply(true, nil)
			status := uint32(0)
			if payload.Command == "echo ok" {
				_, _ = ch.Write([]byte("ok\n"))
			} else {
				status = 127
			}
			_, _ = ch.SendRequest("exit-status", false, xssh.Marshal(struct{ Status uint32 }{status}))
			_ = ch.Close()
			return
		case "subsystem":
			var payload struct{ Name string }
			_ = xssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err == nil {
					_ = srv.Serve()
				}
				_ = ch.Close()
			}()
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func newKey(t *testing.T, dir string) (string, xssh.PublicKey) {
	t.Helper()
	path := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(path)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	key, _, _, _, err := xssh.ParseAuthorizedKey([]byte(pub))
	if err != nil {
		t.Fatalf("parse pub: %v", err)
	}
	return path, key
}

func targetFor(t *testing.T, srv *testServer, keyPath string) Target {
	t.Helper()
	host, port, _ := net.SplitHostPort(srv.addr)
	n, _ := strconv.Atoi(port)
	return Target{Host: host, Port: n, User: "tunnel", KeyPath: keyPath}
}

func TestTargetFromOptions(t *testing.T) {
	tgt, err := TargetFromOptions(api.Options{
		"customSSHHost": "bastion.internal",
		"customSSHPort": "2222",
		"customSSHUser": "lt",
	}, "/keys/id")
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	if tgt.Addr() != "bastion.internal:2222" || tgt.KeyPath != "/keys/id" {
		t.Fatalf("target = %+v", tgt)
	}

	if _, err := TargetFromOptions(api.Options{}, ""); !errors.Is(err, ErrNoCustomSSH) {
		t.Fatalf("err = %v, want ErrNoCustomSSH", err)
	}
	bad := []api.Options{
		{"customSSHHost": "h", "customSSHUser": "u", "customSSHPort": "x"},
		{"customSSHHost": "h", "customSSHUser": "u", "customSSHPort": "70000"},
		{"customSSHHost": "h", "customSSHPrivateKey": "/k"},
		{"customSSHHost": "h", "customSSHUser": "u"},
	}
	for _, opts := range bad {
		if _, err := TargetFromOptions(opts, ""); err == nil {
			t.Errorf("TargetFromOptions(%v) accepted", opts)
		}
	}
}

func TestPreflightTrustOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := newKey(t, dir)
	srv := startTestServer(t, pub)
	kh := filepath.Join(dir, "known_hosts")
	tgt := targetFor(t, srv, keyPath)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := Preflight(ctx, tgt, kh, false, 5*time.Second); err == nil {
		t.Fatal("unknown host accepted without acceptNew")
	}
	res, err := Preflight(ctx, tgt, kh, true, 5*time.Second)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if res.Fingerprint != xssh.FingerprintSHA256(srv.hostKey) {
		t.Fatalf("fingerprint = %q", res.Fingerprint)
	}
	if _, err := Preflight(ctx, tgt, kh, false, 5*time.Second); err != nil {
		t.Fatalf("recorded host rejected: %v", err)
	}
}

func TestPreflightRejectsUnauthorizedKey(t *testing.T) {
	dir := t.TempDir()
	_, pub := newKey(t, dir)
	srv := startTestServer(t, pub)
	otherKey, _ := newKey(t, t.TempDir())

	_, err := Preflight(context.Background(), targetFor(t, srv, otherKey), filepath.Join(dir, "kh"), true, 5*time.Second)
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestPushFileVerifiesDigest(t *testing.T) {
	dir := t.TempDir()
	keyPath, pub := newKey(t, dir)
	srv := startTestServer(t, pub)
	tgt := targetFor(t, srv, keyPath)

	local := filepath.Join(dir, "LT")
	if err := os.WriteFile(local, []byte("agent-bytes"), 0o700); err != nil {
		t.Fatal(err)
	}
	c, _, err := NewClient(tgt, filepath.Join(dir, "known_hosts"), true, 5*time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	cli, err := Dial(ctx, c)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	remote := filepath.ToSlash(filepath.Join(t.TempDir(), "bin", "LT"))
	digest, err := PushFile(ctx, cli, local, remote)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(digest) != 64 {
		t.Fatalf("digest = %q", digest)
	}
	got, err := os.ReadFile(remote)
	if err != nil {
		t.Fatalf("read pushed file: %v", err)
	}
	if string(got) != "agent-bytes" {
		t.Fatalf("pushed content = %q", got)
	}
}

func TestDialRequiresHostKeyCallback(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := xssh.NewSignerFromKey(priv)
	if _, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1", Signer: signer}); err == nil {
		t.Fatal("expected error without host key callback")
	}
}
