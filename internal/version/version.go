// Package version carries the build identity stamped in at link time:
//
//	go build -ldflags "-X github.com/jmylchreest/fetcharr/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/fetcharr/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/fetcharr/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Unstamped binaries report "dev".
package version

import (
	"fmt"
	"runtime"
	"strings"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "fetcharr"

// Injected via ldflags; see the package comment.
var (
	// Version is the SemVer version. Releases look like "1.2.3",
	// prereleases like "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// GoVersion is the Go runtime this binary was built with.
var GoVersion = runtime.Version()

// Info is the structured form served by the version endpoint and
// `fetcharr version --json`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns the full build identity.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// shortCommit returns the 8-character SHA, or "" when the build was not
// stamped with one.
func shortCommit() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

// String returns the long human-readable version line used at startup.
func String() string {
	info := GetInfo()
	if sha := shortCommit(); sha != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
			ApplicationName, info.Version, sha, info.Date, info.GoVersion, info.Platform)
	}
	return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, info.Platform)
}

// Short returns the compact form for CLI --version output.
func Short() string {
	if sha := shortCommit(); sha != "" {
		return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, sha)
	}
	return fmt.Sprintf("%s %s", ApplicationName, Version)
}

// UserAgent returns the User-Agent value for outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// IsSnapshot reports whether this is a prerelease or unstamped build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

// IsRelease reports whether this is a tagged release build.
func IsRelease() bool {
	return !IsSnapshot()
}
