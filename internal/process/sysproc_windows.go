//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// cmd.exe does not understand the backslash escaping exec applies to quoted
// arguments, so "cmd /c ..." lines are passed through verbatim.
func configureSysProcAttr(c *exec.Cmd) {
	if len(c.Args) < 3 || !strings.EqualFold(c.Args[1], "/c") {
		return
	}
	c.SysProcAttr = &syscall.SysProcAttr{CmdLine: strings.Join(c.Args, " ")}
}

func killProcess(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	if err := c.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
