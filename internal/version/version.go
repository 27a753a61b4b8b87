// Package version provides build-time version information.
//
// Variables are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/pixdesk/ledgersync/internal/version.Version=1.0.0 \
//	                   -X github.com/pixdesk/ledgersync/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/pixdesk/ledgersync/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "runtime/debug"

// Build-time variables (set via ldflags)
var (
	// Version is the semantic version (e.g., "1.0.0")
	Version = "dev"

	// Commit is the git commit hash (short form)
	Commit = "unknown"

	// BuildTime is the UTC build timestamp (ISO 8601)
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + commit() + ") built " + BuildTime
}

// UserAgent is sent on REST requests and the socket handshake.
func UserAgent() string {
	return "ledgersync/" + Version
}

// commit falls back to the VCS revision embedded by the go tool when ldflags
// did not set one.
func commit() string {
	if Commit != "unknown" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return Commit
}
