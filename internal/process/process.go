package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrLaunch is returned when an executable cannot be found or started.
var ErrLaunch = errors.New("launch failed")

// Command is the literal argument vector handed to the launcher. Element 0
// is the executable.
type Command []string

func (c Command) String() string { return strings.Join(c, " ") }

// Contains reports whether token appears anywhere in the command.
func (c Command) Contains(token string) bool {
	for _, arg := range c {
		if arg == token {
			return true
		}
	}
	return false
}

// Handle is the narrow view of a running child. Streams are finite and can be
// read once.
type Handle interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. A non-zero exit is
	// not an error. Wait may be called more than once.
	Wait() (int, error)
	Kill() error
}

// Launcher starts commands. Tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Handle, error)
}

// ExecLauncher starts real OS processes via os/exec. Children inherit the
// working directory and environment.
type ExecLauncher struct{}

func NewExecLauncher() *ExecLauncher { return &ExecLauncher{} }

// Launch starts cmd with piped stdout and stderr.
func (l *ExecLauncher) Launch(ctx context.Context, cmd Command) (Handle, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrLaunch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := exec.Command(cmd[0], cmd[1:]...)
	configureSysProcAttr(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrLaunch, err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrLaunch, err)
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLaunch, cmd[0], err)
	}
	log.Debug().Str("exe", cmd[0]).Int("pid", c.Process.Pid).Msg("process started")
	return &execHandle{cmd: c, stdout: stdout, stderr: stderr}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	once    sync.Once
	code    int
	waitErr error
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }
func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) Wait() (int, error) {
	h.once.Do(func() {
		err := h.cmd.Wait()
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			h.code = 0
		case errors.As(err, &exitErr):
			h.code = exitErr.ExitCode()
		default:
			h.code = -1
			h.waitErr = fmt.Errorf("wait: %w", err)
		}
	})
	return h.code, h.waitErr
}

func (h *execHandle) Kill() error { return killProcess(h.cmd) }
