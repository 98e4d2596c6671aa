// Package version holds build-time version metadata, injected via ldflags.
package version

var (
	// Version is the semantic version of the build.
	Version = "0.1.0-dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
