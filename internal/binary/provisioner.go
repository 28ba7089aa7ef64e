package binary

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/tunnelctl/internal/process"
)

// Config selects where the agent comes from and where it lands.
type Config struct {
	BaseURL string
	// Dirs is the ordered list of install directory candidates.
	Dirs []string
	// GOOS and GOARCH default to the running platform.
	GOOS   string
	GOARCH string
	// ValidateTimeout bounds each "--version" run; defaults to
	// DefaultValidateTimeout.
	ValidateTimeout time.Duration
}

// DefaultValidateTimeout bounds how long a "--version" run may take.
const DefaultValidateTimeout = 30 * time.Second

// Asset is a provisioned, validated agent executable.
type Asset struct {
	Path     string
	Dir      string
	Digest   string
	Platform Platform
}

// Provisioner resolves, downloads, validates and repairs the agent binary.
type Provisioner struct {
	cfg      Config
	fetcher  Fetcher
	launcher process.Launcher
}

func NewProvisioner(cfg Config, fetcher Fetcher, launcher process.Launcher) *Provisioner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if len(cfg.Dirs) == 0 {
		cfg.Dirs = DefaultDirs()
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	if cfg.GOARCH == "" {
		cfg.GOARCH = runtime.GOARCH
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = DefaultValidateTimeout
	}
	return &Provisioner{cfg: cfg, fetcher: fetcher, launcher: launcher}
}

// Resolve returns the path to a working agent executable.
func (p *Provisioner) Resolve(ctx context.Context) (string, error) {
	asset, err := p.Provision(ctx)
	if err != nil {
		return "", err
	}
	return asset.Path, nil
}

// Provision makes sure a valid binary is on disk. An existing valid binary
// costs no download. An invalid one is deleted and fetched again once.
func (p *Provisioner) Provision(ctx context.Context) (*Asset, error) {
	plat, err := DetectPlatform(p.cfg.GOOS, p.cfg.GOARCH)
	if err != nil {
		return nil, err
	}
	dir, err := ChooseDir(p.cfg.Dirs)
	if err != nil {
		return nil, err
	}
	bin := filepath.Join(dir, plat.Binary)

	for attempt := 0; ; attempt++ {
		if err := p.ensure(ctx, plat, dir, bin); err != nil {
			return nil, err
		}
		if err := os.Chmod(bin, 0o700); err != nil {
			return nil, fmt.Errorf("chmod %s: %w", bin, err)
		}
		if validate(ctx, p.launcher, bin, p.cfg.ValidateTimeout) {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := os.Remove(bin); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove corrupt binary: %w", err)
		}
		if attempt >= 1 {
			return nil, fmt.Errorf("%w: %s failed validation after re-download", ErrCorruptBinary, bin)
		}
		log.Warn().Str("binary", bin).Msg("agent binary failed validation, downloading again")
	}

	digest, err := Digest(bin)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("binary", bin).Str("blake3", digest).Msg("agent binary ready")
	return &Asset{Path: bin, Dir: dir, Digest: digest, Platform: plat}, nil
}

// ensure downloads and unpacks the archive when bin is missing.
func (p *Provisioner) ensure(ctx context.Context, plat Platform, dir, bin string) error {
	if _, err := os.Stat(bin); err == nil {
		return nil
	}
	url := plat.URL(p.cfg.BaseURL)
	archive := filepath.Join(dir, plat.Archive)
	log.Info().Str("url", url).Str("dir", dir).Msg("downloading tunnel agent")
	if err := p.fetcher.Fetch(ctx, url, archive); err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}
	defer os.Remove(archive)
	if _, err := Extract(archive, dir); err != nil {
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	if _, err := os.Stat(bin); err != nil {
		return fmt.Errorf("%w: %s missing from %s", ErrExtractionFailed, plat.Binary, plat.Archive)
	}
	return nil
}
