//go:build !unix && !windows

package process

import (
	"errors"
	"os"
	"os/exec"
)

func configureSysProcAttr(c *exec.Cmd) {}

func killProcess(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	if err := c.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
