package version

import "fmt"

// Build-time variables (set via ldflags)
var (
	Version = "dev"
	Commit  = ""
)

// GetVersion returns the current version
func GetVersion() string {
	return Version
}

// Describe returns the version with the commit it was built from, when known.
func Describe() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
