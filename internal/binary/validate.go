package binary

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunnelctl/internal/process"
)

// versionPattern matches the agent's --version output, e.g. "3.0.12-build7".
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\d+-+\w+\d$`)

// ValidVersion reports whether out (the whole --version output) looks like
// an agent version string.
func ValidVersion(out string) bool {
	return versionPattern.MatchString(strings.TrimSpace(out))
}

// validate runs "<path> --version" for at most timeout. A binary that cannot
// be started, or does not answer in time, is as broken as one that prints
// garbage.
func validate(ctx context.Context, l process.Launcher, path string, timeout time.Duration) bool {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := process.Run(runCtx, l, process.Command{path, "--version"})
	if err != nil {
		log.Warn().Err(err).Str("binary", path).Msg("version check failed")
		return false
	}
	if !ValidVersion(res.Stdout) {
		log.Warn().Str("binary", path).Str("output", strings.TrimSpace(res.Stdout)).Msg("unexpected version output")
		return false
	}
	return true
}
