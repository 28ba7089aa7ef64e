package ssh

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/zeebo/blake3"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads localPath to remotePath over SFTP, marks it executable
// and verifies the upload by reading it back. It returns the BLAKE3 digest
// of the pushed bytes. A mismatched copy is removed.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) (string, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return "", fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local: %w", err)
	}
	defer src.Close()

	local := blake3.New()
	if err := copyRemote(ctx, sf, remotePath, io.TeeReader(src, local)); err != nil {
		return "", err
	}
	if err := sf.Chmod(remotePath, 0o700); err != nil {
		return "", fmt.Errorf("chmod remote: %w", err)
	}

	want := hex.EncodeToString(local.Sum(nil))
	got, err := remoteDigest(sf, remotePath)
	if err != nil {
		return "", err
	}
	if got != want {
		_ = sf.Remove(remotePath)
		return "", fmt.Errorf("checksum mismatch for %s: local %s, remote %s", remotePath, want, got)
	}
	return want, nil
}

func copyRemote(ctx context.Context, sf *sftp.Client, remotePath string, src io.Reader) error {
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, ctxReader{ctx: ctx, r: src}); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func remoteDigest(sf *sftp.Client, remotePath string) (string, error) {
	f, err := sf.Open(remotePath)
	if err != nil {
		return "", fmt.Errorf("open remote for verify: %w", err)
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read back remote: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
