package binary

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// DefaultDirs is the ordered candidate list: ~/.lambdatest, the working
// directory, the system temp directory.
func DefaultDirs() []string {
	var dirs []string
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".lambdatest"))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	return append(dirs, os.TempDir())
}

// ChooseDir returns the first candidate that exists or can be created and
// accepts a write.
func ChooseDir(candidates []string) (string, error) {
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("candidate dir not creatable")
			continue
		}
		if !writable(dir) {
			log.Debug().Str("dir", dir).Msg("candidate dir not writable")
			continue
		}
		return dir, nil
	}
	return "", fmt.Errorf("%w: tried %v", ErrNoWritableLocation, candidates)
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
