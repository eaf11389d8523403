// Package version provides build-time information for the LDAP auth proxy.
package version

import "fmt"

// Build metadata, injected via -ldflags at release time.
var (
	Version        = "dev"
	CommitHash     = "n/a"
	BuildTimestamp = "n/a"
)

// FormatVersion returns a human-readable version string including build metadata.
// Returns "development build" for dev builds.
func FormatVersion() string {
	if Version == "dev" {
		return "development build"
	}

	return fmt.Sprintf("%s (%s, built at %s)", Version, CommitHash, BuildTimestamp)
}

// UserAgent returns the User-Agent header value sent with every request to the
// privacyIDEA validate endpoint.
func UserAgent() string {
	if Version == "dev" {
		return "privacyIDEA LDAP Proxy"
	}

	return fmt.Sprintf("privacyIDEA LDAP Proxy (%s)", Version)
}
