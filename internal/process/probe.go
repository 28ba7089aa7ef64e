package process

import (
	"context"
	"fmt"
	"strconv"
)

// ProbeCommand returns the OS-native "does pid exist" command. Exit status 0
// means the process exists.
func ProbeCommand(goos string, pid int) Command {
	if goos == "windows" {
		// tasklist always exits 0; findstr exits 1 when the pid is absent.
		return Command{"cmd", "/c", fmt.Sprintf(`tasklist /FI "PID eq %d" | findstr %d`, pid, pid)}
	}
	return Command{"ps", "-p", strconv.Itoa(pid)}
}

// Alive runs the probe for pid. A missing process is (false, nil); an error
// means the probe itself could not run.
func Alive(ctx context.Context, l Launcher, goos string, pid int) (bool, error) {
	res, err := Run(ctx, l, ProbeCommand(goos, pid))
	if err != nil {
		return false, fmt.Errorf("probe pid %d: %w", pid, err)
	}
	return res.ExitCode == 0, nil
}
