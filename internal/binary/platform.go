package binary

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBaseURL is where the agent archives are published.
const DefaultBaseURL = "https://downloads.lambdatest.com/tunnel/"

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrNoWritableLocation  = errors.New("no writable location for agent binary")
	ErrDownloadFailed      = errors.New("agent download failed")
	ErrExtractionFailed    = errors.New("agent extraction failed")
	ErrCorruptBinary       = errors.New("agent binary is corrupt")
)

// Platform is one row of the {os} x {width} download table.
type Platform struct {
	Family  string // windows, mac, linux
	Bits    int    // 32 or 64
	Archive string // LT_Linux.zip etc.
	Binary  string // LT or LT.exe
}

// Path is the archive path relative to the base URL.
func (p Platform) Path() string {
	return fmt.Sprintf("%s/%dbit/%s", p.Family, p.Bits, p.Archive)
}

// URL joins the archive path onto base.
func (p Platform) URL(base string) string {
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimSuffix(base, "/") + "/" + p.Path()
}

// DetectPlatform maps GOOS/GOARCH onto the download table.
func DetectPlatform(goos, goarch string) (Platform, error) {
	bits := 32
	if strings.Contains(goarch, "64") {
		bits = 64
	}
	switch goos {
	case "windows":
		return Platform{Family: "windows", Bits: bits, Archive: "LT_Windows.zip", Binary: "LT.exe"}, nil
	case "darwin":
		return Platform{Family: "mac", Bits: bits, Archive: "LT_Mac.zip", Binary: "LT"}, nil
	case "linux":
		return Platform{Family: "linux", Bits: bits, Archive: "LT_Linux.zip", Binary: "LT"}, nil
	default:
		return Platform{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
}
