package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String describes the build for -version output and run records.
func String() string {
	return fmt.Sprintf("jigsaw %s (%s, built %s)", Version, GitSHA, BuildTime)
}
