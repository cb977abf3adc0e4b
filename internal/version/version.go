// Package version holds the build-time version string.
package version

// Version is overridden at build time via -ldflags "-X porthole/internal/version.Version=...".
var Version = "0.1.0"
