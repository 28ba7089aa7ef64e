//go:build unix

package process

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// The child gets its own process group so a timeout can take down anything
// it forked as well.
func configureSysProcAttr(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	pid := c.Process.Pid
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return c.Process.Kill()
	}
	return nil
}
