// Package version holds the build identity of the binary.
package version

// Set with -ldflags "-X github.com/bryan-buckman/otdposter/internal/version.Version=...".
var (
	Name    = "otdposter"
	Version = "0.6.0"
)

// String returns "name-vVERSION".
func String() string {
	return Name + "-v" + Version
}
