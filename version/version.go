// Package version exposes build-time version metadata, set with ldflags:
//
//	go build -ldflags "\
//	  -X github.com/enclave-dev/enclave/version.Version=1.2.3 \
//	  -X github.com/enclave-dev/enclave/version.Revision=abc123 \
//	  -X 'github.com/enclave-dev/enclave/version.BuiltAt=2026-01-01T00:00:00Z'"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// These variables are set during build time
var (
	// Version is the current version
	Version = "0.0.0"

	// Revision is the short commit hash of source tree
	Revision = "unknown"

	// BuiltAt is the build time
	BuiltAt = "unknown"
)

// Info contains version information
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuiltAt   string `json:"builtAt"`
	GoVersion string `json:"goVersion"`
}

// GetVersionInfo returns the build metadata.
func GetVersionInfo() Info {
	return Info{
		Version:   Version,
		Revision:  Revision,
		BuiltAt:   BuiltAt,
		GoVersion: runtime.Version(),
	}
}

// String returns the one line form used in logs and --version output.
func (i Info) String() string {
	return fmt.Sprintf("%s (revision %s, built %s, %s)", i.Version, i.Revision, i.BuiltAt, i.GoVersion)
}

// JSON returns the version information as indented JSON.
func (i Info) JSON() string {
	out, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}
